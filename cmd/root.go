package cmd

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/kvlink/client"
	"github.com/luma/kvlink/cmd/gen"
	"github.com/luma/kvlink/internal/env"
)

var (
	// Overrides for the environment config, only applied when set
	url            string
	connectTimeout time.Duration
	commandTimeout time.Duration
	logLevel       string
)

var RootCmd = &cobra.Command{
	Use:   "kvlink",
	Short: "A pipelined client for RESP key/value stores",
	Long: `kvlink talks to Redis compatible key/value stores over a single
pipelined connection, and can run a small stub store for local development.

Connection settings come from the environment (KVLINK_URL and friends, a
.env.local file is loaded when present) and can be overridden with flags.`,

	SilenceUsage: true,
}

func init() {
	flags := RootCmd.PersistentFlags()

	flags.StringVarP(&url, "url", "u", "", "The store to connect to, e.g. redis://:password@127.0.0.1:6379")
	flags.DurationVar(&connectTimeout, "connect-timeout", 0, "How long to wait for the connection and handshake")
	flags.DurationVar(&commandTimeout, "command-timeout", 0, "How long to wait for each reply, 0 waits forever")
	flags.StringVar(&logLevel, "log-level", "", "The minimum level to log at")

	RootCmd.AddCommand(PingCmd)
	RootCmd.AddCommand(ExecCmd)
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(StubCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

// Execute runs the CLI until it finishes or is interrupted.
func Execute() {
	ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer signalStop()

	if err := RootCmd.ExecuteContext(ctx); err != nil {
		signalStop()
		os.Exit(1)
	}
}

type settings struct {
	conf    *env.Config
	log     *zap.Logger
	options client.Options
}

// loadSettings reads the environment config and applies any flags that were
// set on the command line on top of it.
func loadSettings(cmd *cobra.Command) (*settings, error) {
	conf, err := env.LoadConfig(cmd.Context())
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()

	if flags.Changed("url") {
		conf.URL = url
	}

	if flags.Changed("connect-timeout") {
		conf.ConnectTimeout = connectTimeout
	}

	if flags.Changed("command-timeout") {
		conf.CommandTimeout = commandTimeout
	}

	if flags.Changed("log-level") {
		conf.LogLevel = logLevel
	}

	log, err := env.MakeLogger(conf.LogLevel)
	if err != nil {
		return nil, err
	}

	options, err := conf.ClientOptions()
	if err != nil {
		return nil, err
	}

	options.Log = log

	return &settings{
		conf:    conf,
		log:     log,
		options: options,
	}, nil
}
