package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luma/kvlink/client"
	"github.com/luma/kvlink/protocol"
)

var ExecCmd = &cobra.Command{
	Use:   "exec COMMAND [ARGS...]",
	Short: "Run one command and print the reply",
	Long: `Run one command and print the reply the way redis-cli does

Usage
	kvlink exec SET greeting hello EX 60
	kvlink exec GET greeting

`,
	Args: cobra.MinimumNArgs(1),
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

		v, err := conn.Command(ctx, args...)

		// Error replies are printed like any other reply
		var replyErr protocol.Error
		if err != nil && !errors.As(err, &replyErr) {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), formatValue(v))
		return nil
	},
}
