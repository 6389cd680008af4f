package cmd

import (
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/kvlink/internal/env"
	"github.com/luma/kvlink/storage"
	"github.com/luma/kvlink/transport"
)

var (
	// The host to listen on
	stubHost string

	// The port to listen for clients on
	stubPort int

	stubUsername  string
	stubPassword  string
	stubReuseport bool
	stubTrace     bool
)

func init() {
	flags := StubCmd.Flags()

	flags.IntVarP(&stubPort, "port", "p", 6379, "The port to listen client connections on")
	flags.StringVarP(&stubHost, "host", "a", "127.0.0.1", "The host to listen on")
	flags.StringVar(&stubUsername, "username", "", "The user AUTH must name, defaults to 'default'")
	flags.StringVar(&stubPassword, "password", "", "Require clients to AUTH with this password")
	flags.BoolVar(&stubReuseport, "reuseport", true, "Set SO_REUSEPORT on the listener")
	flags.BoolVar(&stubTrace, "trace", false, "Log every payload read and written")
}

var StubCmd = &cobra.Command{
	Use:   "stub",
	Short: "Run an in-memory stub store for local development",
	Long: `Run an in-memory stub store for local development

It speaks RESP2 and serves PING, ECHO, AUTH, QUIT, GET, SET, DEL, EXISTS,
INCR, INCRBY, DECR, DECRBY, EXPIRE, PEXPIRE, TTL, PTTL and MGET. Nothing is
persisted.

Usage
	kvlink stub --port 6380 --password secret

`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		level := conf.LogLevel
		if cmd.Flags().Changed("log-level") {
			level = logLevel
		}

		log, err := env.MakeLogger(level)
		if err != nil {
			return err
		}

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		store := storage.NewInmemoryStore()

		tcp := transport.NewTCP(transport.Options{
			Host:      stubHost,
			Port:      stubPort,
			Reuseport: stubReuseport,
			Trace:     stubTrace,
			Username:  stubUsername,
			Password:  stubPassword,
			Store:     store,
			Log:       log.Named("transport"),
		})

		if err := tcp.Start(ctx); err != nil {
			return err
		}

		// Listen for the interrupt signal.
		<-ctx.Done()

		log.Info("Shutting down")

		if err := tcp.Close(); err != nil {
			log.Error("TCP server forced to shutdown", zap.Error(err))
		}

		if err := store.Close(); err != nil {
			log.Error("Failed to close the store", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

// setFileLimit raises the open file limit to its maximum, every client
// connection holds a descriptor.
func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
