package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/kvlink/protocol"
	"github.com/luma/kvlink/storage"
)

const readChunkSize = 4096

// TCP is a stub store speaking RESP2 over TCP. It serves a small set of
// string, counter and expiry commands out of a storage.Store, which is
// enough to exercise a client end to end.
type TCP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr     string
	listener net.Listener

	options Options
	store   storage.Store

	mu          sync.Mutex
	activeConns map[*TCPConn]struct{}

	accepted *atomic.Int64

	closeOnce sync.Once
	closeErr  error

	log *zap.Logger
}

func NewTCP(options Options) *TCP {
	if options.Store == nil {
		options.Store = storage.NewInmemoryStore()
	}

	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	return &TCP{
		addr:        net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		options:     options,
		store:       options.Store,
		activeConns: make(map[*TCPConn]struct{}),
		accepted:    atomic.NewInt64(0),
		log:         options.Log,
	}
}

// Start binds the listener and returns once it is accepting connections.
func (t *TCP) Start(parentCtx context.Context) error {
	var (
		listener net.Listener
		err      error
	)

	if t.options.Reuseport {
		listener, err = reuseport.Listen("tcp", t.addr)
	} else {
		listener, err = net.Listen("tcp", t.addr)
	}

	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parentCtx)
	t.cancel = cancel
	t.listener = listener
	t.addr = listener.Addr().String()

	t.log.Info("Listening", zap.String("addr", t.addr))

	t.stopWaiter.Add(1)
	go func() {
		defer t.stopWaiter.Done()

		if err := t.acceptLoop(ctx); err != nil {
			t.log.Error("Failed to accept", zap.Error(err))
		}
	}()

	return nil
}

// Addr is the address the server is listening on.
func (t *TCP) Addr() string {
	return t.addr
}

func (t *TCP) Store() storage.Store {
	return t.store
}

// Accepted returns how many connections have been accepted so far.
func (t *TCP) Accepted() int64 {
	return t.accepted.Load()
}

// ActiveConns returns the number of connections currently open.
func (t *TCP) ActiveConns() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.activeConns)
}

// DropConnections closes every client connection while continuing to accept
// new ones, the way a store restart or a network blip looks to a client.
func (t *TCP) DropConnections() (err error) {
	for _, conn := range t.conns() {
		err = multierr.Append(err, conn.Close())
	}

	return err
}

// Close immediately closes the listener and all active connections. Only the
// first call does anything.
func (t *TCP) Close() error {
	t.closeOnce.Do(func() {
		t.log.Info("Stopping TCP server")

		if t.cancel != nil {
			t.cancel()
		}

		if t.listener != nil {
			t.closeErr = t.listener.Close()
		}

		t.closeErr = multierr.Append(t.closeErr, t.DropConnections())

		t.stopWaiter.Wait()
		t.log.Info("TCP server stopped")
	})

	return t.closeErr
}

func (t *TCP) acceptLoop(ctx context.Context) error {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// The listener was closed while we were waiting for new connections
				return nil
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			return err
		}

		t.accepted.Inc()

		tcpConn := NewTCPConn(ctx, conn, t.store, t.options, t.log.Named("conn"))
		t.addConn(tcpConn)

		t.stopWaiter.Add(1)
		go func() {
			defer t.stopWaiter.Done()
			defer t.removeConn(tcpConn)

			tcpConn.Start()
		}()
	}
}

func (t *TCP) conns() []*TCPConn {
	t.mu.Lock()
	defer t.mu.Unlock()

	conns := make([]*TCPConn, 0, len(t.activeConns))
	for conn := range t.activeConns {
		conns = append(conns, conn)
	}

	return conns
}

func (t *TCP) addConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activeConns[conn] = struct{}{}
}

func (t *TCP) removeConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.activeConns, conn)
}

type TCPConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn   net.Conn
	writer *bufio.Writer
	store  storage.Store

	options       Options
	authenticated bool

	closeOnce sync.Once

	log *zap.Logger
}

func NewTCPConn(
	parentCtx context.Context,
	conn net.Conn,
	store storage.Store,
	options Options,
	log *zap.Logger,
) *TCPConn {
	ctx, cancel := context.WithCancel(parentCtx)

	return &TCPConn{
		ctx:           ctx,
		cancel:        cancel,
		conn:          conn,
		writer:        bufio.NewWriter(conn),
		store:         store,
		options:       options,
		authenticated: options.Password == "",
		log:           log.With(zap.String("remote", conn.RemoteAddr().String())),
	}
}

func (t *TCPConn) Close() (err error) {
	t.closeOnce.Do(func() {
		t.cancel()
		err = t.conn.Close()
	})

	return err
}

// Start serves the connection until the client quits, the connection fails
// or Close is called.
func (t *TCPConn) Start() {
	defer t.Close()

	go func() {
		<-t.ctx.Done()
		t.Close()
	}()

	t.ReadLoop()
}

// ReadLoop reads requests, executes them and buffers the replies. Replies are
// flushed once every complete request received so far has been answered, so
// a pipelined batch is answered with a single write.
func (t *TCPConn) ReadLoop() {
	log := t.log.Named("readLoop")

	var (
		buf     = make([]byte, 0, readChunkSize)
		chunk   = make([]byte, readChunkSize)
		scratch []byte
	)

	for {
		n, err := t.conn.Read(chunk)
		buf = append(buf, chunk[:n]...)

		if t.options.Trace && n > 0 {
			log.Debug("Read", zap.ByteString("data", chunk[:n]))
		}

		offset := 0
		for {
			req, used, perr := protocol.Parse(buf, offset)
			if errors.Is(perr, protocol.ErrIncomplete) {
				break
			}

			if perr != nil {
				log.Warn("Failed to parse client request", zap.Error(perr))
				t.reply(&scratch, protocol.ErrorValue("ERR Protocol error: "+perr.Error()))
				t.flush(log)
				return
			}

			offset += used

			reply, quit := t.dispatch(req)
			t.reply(&scratch, reply)

			if quit {
				log.Debug("Client QUIT, exiting...")
				t.flush(log)
				return
			}
		}

		buf = buf[:copy(buf, buf[offset:])]

		if !t.flush(log) {
			return
		}

		if err != nil {
			select {
			case <-t.ctx.Done():
			default:
				log.Debug("Connection closed", zap.Error(err))
			}

			return
		}
	}
}

func (t *TCPConn) dispatch(req protocol.Value) (protocol.Value, bool) {
	if req.Kind != protocol.KindArray || req.IsNull() || len(req.Array) == 0 {
		return protocol.ErrorValue("ERR Protocol error: expected a non-empty array of bulk strings"), false
	}

	args, err := req.Strings()
	if err != nil {
		return protocol.ErrorValue("ERR Protocol error: " + err.Error()), false
	}

	return t.execute(args)
}

func (t *TCPConn) reply(scratch *[]byte, v protocol.Value) {
	*scratch = protocol.AppendValue((*scratch)[:0], v)

	if t.options.Trace {
		t.log.Debug("Write", zap.ByteString("data", *scratch))
	}

	// Write errors surface on the next flush
	t.writer.Write(*scratch)
}

func (t *TCPConn) flush(log *zap.Logger) bool {
	if t.writer.Buffered() == 0 {
		return true
	}

	if err := t.writer.Flush(); err != nil {
		log.Debug("Failed to write replies", zap.Error(err))
		return false
	}

	return true
}
