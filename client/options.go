package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultPort = "6379"

	DefaultConnectTimeout     = 5 * time.Second
	DefaultReconnectBaseDelay = 100 * time.Millisecond
	DefaultReconnectMaxDelay  = 10 * time.Second
	DefaultQuitTimeout        = time.Second
)

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Options struct {
	// Addr is the host:port of the store
	Addr string

	// TLS wraps the connection in TLS, TLSConfig is optional
	TLS       bool
	TLSConfig *tls.Config

	// Username is only sent when Password is also set
	Username string
	Password string

	// ConnectTimeout bounds the dial and the handshake together
	ConnectTimeout time.Duration

	// CommandTimeout is applied to commands whose context has no deadline.
	// Zero means commands wait until they are answered or the connection fails.
	CommandTimeout time.Duration

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	// QuitTimeout bounds how long Quit waits for the QUIT command to be written
	QuitTimeout time.Duration

	// Dial overrides how the underlying connection is made. TLS is layered
	// on top of whatever it returns.
	Dial DialFunc

	Log *zap.Logger
}

// ParseURL builds Options from an endpoint URL of the form
//
//   redis://[[username]:password@]host[:port]
//   rediss://[[username]:password@]host[:port]
//
// rediss selects TLS. A username without a password is ignored.
func ParseURL(raw string) (Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Options{}, fmt.Errorf("invalid url %q: %w", raw, err)
	}

	var opts Options

	switch u.Scheme {
	case "redis":
	case "rediss":
		opts.TLS = true
	default:
		return Options{}, fmt.Errorf("invalid url %q: unsupported scheme %q", raw, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return Options{}, fmt.Errorf("invalid url %q: missing host", raw)
	}

	port := u.Port()
	if port == "" {
		port = DefaultPort
	}

	opts.Addr = net.JoinHostPort(host, port)

	if u.User != nil {
		if password, ok := u.User.Password(); ok && password != "" {
			opts.Username = u.User.Username()
			opts.Password = password
		}
	}

	return opts, nil
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}

	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}

	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}

	if o.ReconnectMaxDelay < o.ReconnectBaseDelay {
		o.ReconnectMaxDelay = o.ReconnectBaseDelay
	}

	if o.QuitTimeout <= 0 {
		o.QuitTimeout = DefaultQuitTimeout
	}

	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	return o
}

func (o Options) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if o.TLSConfig != nil {
		cfg = o.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(o.Addr); err == nil {
			cfg.ServerName = host
		}
	}

	return cfg
}
