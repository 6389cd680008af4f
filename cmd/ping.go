package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/luma/kvlink/client"
)

var (
	pingCount    int
	pingInterval time.Duration
)

func init() {
	flags := PingCmd.Flags()

	flags.IntVarP(&pingCount, "count", "c", 1, "How many PINGs to send")
	flags.DurationVarP(&pingInterval, "interval", "i", time.Second, "How long to wait between PINGs")
}

var PingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check the store is reachable and report round trip times",
	Long: `Check the store is reachable and report round trip times

Usage
	kvlink ping --count 5

`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		s, err := loadSettings(cmd)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		conn := client.New(s.options)
		defer func() {
			if quitErr := conn.Quit(ctx); err == nil {
				err = quitErr
			}
		}()

		for i := 0; i < pingCount; i++ {
			if i > 0 {
				select {
				case <-time.After(pingInterval):
				case <-ctx.Done():
					return nil
				}
			}

			start := time.Now()

			v, err := conn.Command(ctx, "PING")
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s from %s: time=%s\n",
				formatValue(v), s.options.Addr, time.Since(start).Round(time.Microsecond))
		}

		return nil
	},
}
