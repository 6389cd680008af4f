package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/luma/kvlink/protocol"
)

const (
	// WriteQueueSize is how many submitted requests may wait for the write loop
	WriteQueueSize = 127

	minReadSize     = 4096
	writeBufferSize = 16 * 1024
)

// session is one physical connection. The write loop is the only writer of
// the socket and the read loop the only reader, so requests leave in the
// order they were submitted and replies are matched to them in that order.
type session struct {
	conn   net.Conn
	writer *bufio.Writer

	writeQueue chan *request
	pending    *queue

	// buf holds received bytes that have not been parsed yet, it is only
	// touched by the read loop.
	buf []byte

	// scratch is where the write loop encodes requests
	scratch []byte

	closeOnce sync.Once
	dead      chan struct{}

	// quitting is set by Quit before QUIT is sent. The store answers QUIT by
	// hanging up, that must not read as a lost connection.
	quitting *atomic.Bool

	// err is why the session died, it is set before dead is closed
	err error

	onClose func(s *session, err error)

	log *zap.Logger
}

func newSession(conn net.Conn, onClose func(*session, error), log *zap.Logger) *session {
	return &session{
		conn:       conn,
		writer:     bufio.NewWriterSize(conn, writeBufferSize),
		writeQueue: make(chan *request, WriteQueueSize),
		pending:    newQueue(),
		buf:        make([]byte, 0, minReadSize),
		dead:       make(chan struct{}),
		quitting:   atomic.NewBool(false),
		onClose:    onClose,
		log:        log,
	}
}

func (s *session) start() {
	go s.readLoop()
	go s.writeLoop()
}

// do sends a command and waits for its reply.
func (s *session) do(ctx context.Context, args ...string) (protocol.Value, error) {
	req := newRequest(args)

	if err := s.submit(ctx, req); err != nil {
		return protocol.Value{}, err
	}

	return req.wait(ctx, s)
}

// send writes a command without waiting for its reply. It returns once the
// command has been flushed to the socket. The reply, if one comes, is
// consumed and dropped.
func (s *session) send(ctx context.Context, args ...string) error {
	req := newRequest(args)
	req.flushed = make(chan struct{})

	if err := s.submit(ctx, req); err != nil {
		return err
	}

	select {
	case <-req.flushed:
		req.settle(protocol.Value{}, nil)
		return nil

	case <-s.dead:
		return s.err

	case <-ctx.Done():
		req.settle(protocol.Value{}, ctx.Err())
		return ctx.Err()
	}
}

func (s *session) submit(ctx context.Context, req *request) error {
	if s.isDead() {
		return errNotSubmitted
	}

	select {
	case s.writeQueue <- req:
		return nil

	case <-s.dead:
		return errNotSubmitted

	case <-ctx.Done():
		return ctx.Err()
	}
}

// quit marks the session as closed by the user, whatever ends it from now on
// fails pending requests with ErrClientClosed.
func (s *session) quit() {
	s.quitting.Store(true)
}

// close tears the session down and fails everything pending with err. Only
// the first call does anything, it returns the error from closing the socket.
func (s *session) close(err error) (closeErr error) {
	s.closeOnce.Do(func() {
		if s.quitting.Load() {
			err = ErrClientClosed
		}

		s.err = err
		close(s.dead)

		closeErr = s.conn.Close()
		s.pending.failAll(err)

		if s.onClose != nil {
			s.onClose(s, err)
		}
	})

	return closeErr
}

func (s *session) isDead() bool {
	select {
	case <-s.dead:
		return true
	default:
		return false
	}
}

func (s *session) writeLoop() {
	log := s.log.Named("writeLoop")

	for {
		select {
		case <-s.dead:
			return

		case req := <-s.writeQueue:
			if err := s.write(req); err != nil {
				log.Warn("Failed to write to connection", zap.Error(err))
				s.close(fmt.Errorf("%w: %v", ErrConnectionLost, err))
				return
			}
		}
	}
}

func (s *session) write(req *request) error {
	// A request whose caller already gave up is skipped entirely, nothing
	// about it has reached the socket yet.
	if !req.settled.Load() {
		// Enqueue before writing so the reply can never arrive ahead of its waiter
		s.pending.enqueue(req)

		s.scratch = protocol.AppendCommand(s.scratch[:0], req.args...)
		if _, err := s.writer.Write(s.scratch); err != nil {
			return err
		}
	}

	// Keep batching while more requests are queued behind this one
	if req.flushed == nil && len(s.writeQueue) > 0 {
		return nil
	}

	if s.writer.Buffered() > 0 {
		if err := s.writer.Flush(); err != nil {
			return err
		}
	}

	if req.flushed != nil {
		close(req.flushed)
	}

	return nil
}

func (s *session) readLoop() {
	log := s.log.Named("readLoop")

	for {
		if cap(s.buf)-len(s.buf) < minReadSize {
			grown := make([]byte, len(s.buf), 2*cap(s.buf)+minReadSize)
			copy(grown, s.buf)
			s.buf = grown
		}

		n, err := s.conn.Read(s.buf[len(s.buf):cap(s.buf)])
		s.buf = s.buf[:len(s.buf)+n]

		if n > 0 {
			if perr := s.drain(); perr != nil {
				log.Warn("Received a malformed reply", zap.Error(perr))
				s.close(fmt.Errorf("%w: %v", ErrConnectionLost, perr))
				return
			}
		}

		if err != nil {
			if s.isDead() {
				return
			}

			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}

			log.Warn("Connection read failed", zap.Error(err))
			s.close(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}
	}
}

// drain parses every complete value in the receive buffer, hands each to the
// oldest pending request, then moves the unparsed tail to the front.
func (s *session) drain() error {
	offset := 0
	defer func() {
		if offset > 0 {
			s.buf = s.buf[:copy(s.buf, s.buf[offset:])]
		}
	}()

	for {
		v, n, err := protocol.Parse(s.buf, offset)
		if errors.Is(err, protocol.ErrIncomplete) {
			return nil
		}

		if err != nil {
			// The reply in flight belongs to the oldest request
			s.pending.dispatchErr(err)
			return err
		}

		offset += n

		if !s.pending.dispatch(v) {
			s.log.Warn("Dropped a reply nothing was waiting for",
				zap.Stringer("kind", v.Kind))
		}
	}
}
