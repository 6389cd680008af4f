package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/luma/kvlink/protocol"
)

// maxSubmitAttempts bounds how often Command moves to a fresh connection
// when the one it picked died before accepting the request.
const maxSubmitAttempts = 3

// Conn is a single logical connection to the store, shared by any number of
// goroutines. Commands are pipelined onto one socket and answered in order.
//
// A Conn connects lazily on the first command, and reconnects in the
// background with exponential backoff whenever an established connection is
// lost, until Quit is called.
type Conn struct {
	opts    Options
	backoff Backoff

	// dials makes concurrent connect attempts share one dial
	dials singleflight.Group

	mu           sync.Mutex
	state        State
	sess         *session
	quitting     bool
	reconnecting bool
	attempts     int

	quit      chan struct{}
	connected *atomic.Bool

	// wait sleeps for d, it returns false if quit was closed first
	wait func(d time.Duration, quit <-chan struct{}) bool

	log *zap.Logger
}

func New(opts Options) *Conn {
	opts = opts.withDefaults()

	return &Conn{
		opts: opts,
		backoff: Backoff{
			Base: opts.ReconnectBaseDelay,
			Max:  opts.ReconnectMaxDelay,
		},
		state:     Disconnected,
		quit:      make(chan struct{}),
		connected: atomic.NewBool(false),
		wait:      sleep,
		log:       opts.Log.Named("conn").With(zap.String("addr", opts.Addr)),
	}
}

// Connect establishes the connection if there isn't one yet. Concurrent
// calls share a single attempt.
func (c *Conn) Connect(ctx context.Context) error {
	_, err := c.session(ctx)
	return err
}

// Command sends args as one command and waits for its reply. An error reply
// from the store is returned as a protocol.Error alongside the error value.
//
// If there is no connection one is established first. If ctx has no deadline
// Options.CommandTimeout, when set, is applied.
func (c *Conn) Command(ctx context.Context, args ...string) (protocol.Value, error) {
	if len(args) == 0 {
		return protocol.Value{}, ErrEmptyCommand
	}

	if c.opts.CommandTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.opts.CommandTimeout)
			defer cancel()
		}
	}

	var err error
	for attempt := 0; attempt < maxSubmitAttempts; attempt++ {
		var s *session
		if s, err = c.session(ctx); err != nil {
			return protocol.Value{}, err
		}

		var v protocol.Value
		v, err = s.do(ctx, args...)
		if errors.Is(err, errNotSubmitted) {
			continue
		}

		return v, err
	}

	return protocol.Value{}, fmt.Errorf("%w: %v", ErrConnectionLost, err)
}

// Quit sends QUIT, closes the connection and fails every pending command
// with ErrClientClosed. The Conn can't be used afterwards and won't reconnect.
func (c *Conn) Quit(ctx context.Context) error {
	c.mu.Lock()
	if c.quitting {
		c.mu.Unlock()
		return nil
	}

	c.quitting = true
	close(c.quit)
	c.state = ClosingByUser
	s := c.sess
	c.mu.Unlock()

	c.log.Info("Quitting")

	if s == nil {
		return nil
	}

	s.quit()

	quitCtx, cancel := context.WithTimeout(ctx, c.opts.QuitTimeout)
	defer cancel()

	var err error
	if qerr := s.send(quitCtx, "QUIT"); qerr != nil && !s.isDead() {
		err = multierr.Append(err, fmt.Errorf("failed to send QUIT: %w", qerr))
	}

	return multierr.Append(err, s.close(ErrClientClosed))
}

// IsConnected reports whether there is a connection ready to serve commands.
func (c *Conn) IsConnected() bool {
	return c.connected.Load()
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// session returns the live session, establishing one if needed.
func (c *Conn) session(ctx context.Context) (*session, error) {
	c.mu.Lock()
	if c.quitting {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}

	if s := c.live(); s != nil {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	// The dial runs on its own timeout rather than ctx as other callers may
	// be sharing it.
	attempt := c.dials.DoChan("connect", func() (interface{}, error) {
		return c.establish()
	})

	select {
	case res := <-attempt:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(*session), nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) establish() (*session, error) {
	c.mu.Lock()
	if c.quitting {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}

	if s := c.live(); s != nil {
		c.mu.Unlock()
		return s, nil
	}

	c.state = Connecting
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	defer cancel()

	c.log.Debug("Connecting")

	s, err := c.handshake(ctx)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			err = fmt.Errorf("%w: %s after %s: %v", ErrConnectTimeout, c.opts.Addr, c.opts.ConnectTimeout, err)
		}

		c.mu.Lock()
		if !c.quitting {
			c.state = Disconnected
		}
		c.mu.Unlock()

		c.log.Warn("Failed to connect", zap.Error(err))
		return nil, err
	}

	c.mu.Lock()
	if c.quitting {
		c.mu.Unlock()
		s.close(ErrClientClosed)
		return nil, ErrClientClosed
	}

	// It may have died between the handshake and now, in which case its
	// onClose already ran and ignored it.
	if s.isDead() {
		c.state = Disconnected
		c.mu.Unlock()
		return nil, s.err
	}

	c.sess = s
	c.state = Connected
	c.attempts = 0
	c.connected.Store(true)
	c.mu.Unlock()

	c.log.Info("Connected")

	return s, nil
}

// handshake dials, then authenticates when credentials are configured and
// checks the connection with PING.
func (c *Conn) handshake(ctx context.Context) (*session, error) {
	netConn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	s := newSession(netConn, c.lost, c.log)
	s.start()

	if c.opts.Password != "" {
		args := []string{"AUTH", c.opts.Password}
		if c.opts.Username != "" {
			args = []string{"AUTH", c.opts.Username, c.opts.Password}
		}

		if _, err := s.do(ctx, args...); err != nil {
			var rejected protocol.Error
			if errors.As(err, &rejected) {
				err = fmt.Errorf("%w: %s", ErrAuth, rejected)
			}

			s.close(err)
			return nil, err
		}
	}

	pong, err := s.do(ctx, "PING")
	if err == nil {
		if text, _ := pong.Text(); text != "PONG" {
			err = fmt.Errorf("unexpected PING reply %q", text)
		}
	}

	if err != nil {
		err = fmt.Errorf("liveness check failed: %w", err)
		s.close(err)
		return nil, err
	}

	return s, nil
}

func (c *Conn) dial(ctx context.Context) (net.Conn, error) {
	dial := c.opts.Dial
	if dial == nil {
		dialer := &net.Dialer{}
		dial = dialer.DialContext
	}

	netConn, err := dial(ctx, "tcp", c.opts.Addr)
	if err != nil {
		return nil, err
	}

	if !c.opts.TLS {
		return netConn, nil
	}

	tlsConn := tls.Client(netConn, c.opts.tlsConfig())

	if deadline, ok := ctx.Deadline(); ok {
		if err := netConn.SetDeadline(deadline); err != nil {
			netConn.Close()
			return nil, err
		}
	}

	if err := tlsConn.Handshake(); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	if err := netConn.SetDeadline(time.Time{}); err != nil {
		netConn.Close()
		return nil, err
	}

	return tlsConn, nil
}

// live returns the registered session unless it has died. A dying session
// stays registered until its onClose has run, callers must not be handed it
// in between. c.mu must be held.
func (c *Conn) live() *session {
	if c.sess == nil || c.sess.isDead() {
		return nil
	}

	return c.sess
}

// lost is called once by every session as it dies.
func (c *Conn) lost(s *session, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != s {
		return
	}

	c.sess = nil
	c.connected.Store(false)

	if c.quitting {
		return
	}

	c.state = Disconnected
	c.log.Warn("Connection lost", zap.Error(err))

	if !c.reconnecting {
		c.reconnecting = true
		go c.reconnectLoop()
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
