package env

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/luma/kvlink/client"
)

type Config struct {
	URL string `env:"KVLINK_URL,default=redis://127.0.0.1:6379"`

	ConnectTimeout time.Duration `env:"KVLINK_CONNECT_TIMEOUT,default=5s"`
	CommandTimeout time.Duration `env:"KVLINK_COMMAND_TIMEOUT"`

	ReconnectBaseDelay time.Duration `env:"KVLINK_RECONNECT_BASE_DELAY,default=100ms"`
	ReconnectMaxDelay  time.Duration `env:"KVLINK_RECONNECT_MAX_DELAY,default=10s"`

	LogLevel  string `env:"KVLINK_LOG_LEVEL,default=info"`
	DebugHTTP bool   `env:"KVLINK_DEBUG_HTTP"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	return loadConfig(ctx, envconfig.OsLookuper())
}

func loadConfig(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	config := Config{}

	if err := envconfig.ProcessWith(ctx, &config, lookuper); err != nil {
		return nil, err
	}

	return &config, nil
}

// ClientOptions turns the config into options for client.New. The password,
// if any, comes from the URL.
func (c *Config) ClientOptions() (client.Options, error) {
	opts, err := client.ParseURL(c.URL)
	if err != nil {
		return client.Options{}, err
	}

	opts.ConnectTimeout = c.ConnectTimeout
	opts.CommandTimeout = c.CommandTimeout
	opts.ReconnectBaseDelay = c.ReconnectBaseDelay
	opts.ReconnectMaxDelay = c.ReconnectMaxDelay

	return opts, nil
}
