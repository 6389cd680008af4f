package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/kvlink/protocol"
	"github.com/luma/kvlink/transport"
)

var _ = Describe("session", func() {
	var (
		ctx    context.Context
		local  net.Conn
		remote net.Conn
		s      *session
	)

	BeforeEach(func() {
		ctx = context.Background()

		local, remote = net.Pipe()
		s = newSession(local, nil, zap.NewNop())
		s.start()

		go io.Copy(ioutil.Discard, remote)
	})

	AfterEach(func() {
		remote.Close()
		s.close(ErrClientClosed)
	})

	// pendingCommand submits GET and returns once it has been written.
	pendingCommand := func() <-chan error {
		errs := make(chan error, 1)
		go func() {
			defer GinkgoRecover()

			_, err := s.do(ctx, "GET", "k")
			errs <- err
		}()

		Eventually(s.pending.len).Should(Equal(1))
		return errs
	}

	It("fails pending commands as lost when the peer hangs up", func() {
		errs := pendingCommand()

		Expect(remote.Close()).To(Succeed())

		var err error
		Eventually(errs).Should(Receive(&err))
		Expect(errors.Is(err, ErrConnectionLost)).To(BeTrue())
	})

	It("fails pending commands as client closed when the peer hangs up after quit", func() {
		errs := pendingCommand()

		s.quit()
		Expect(remote.Close()).To(Succeed())

		Eventually(errs).Should(Receive(Equal(ErrClientClosed)))
		Expect(s.err).To(Equal(ErrClientClosed))
	})
})

var _ = Describe("Conn with a dying session", func() {
	var (
		ctx    context.Context
		server *transport.TCP
		conn   *Conn
	)

	BeforeEach(func() {
		ctx = context.Background()

		server = transport.NewTCP(transport.Options{Host: "127.0.0.1", Log: zap.NewNop()})
		Expect(server.Start(ctx)).To(Succeed())

		conn = New(Options{Addr: server.Addr()})
		Expect(conn.Connect(ctx)).To(Succeed())
	})

	AfterEach(func() {
		Expect(conn.Quit(ctx)).To(Succeed())
		Expect(server.Close()).To(Succeed())
	})

	It("dials again instead of reusing a session whose close is still running", func() {
		conn.mu.Lock()
		old := conn.sess
		conn.mu.Unlock()

		released := make(chan struct{})
		old.onClose = func(s *session, err error) {
			<-released
			conn.lost(s, err)
		}
		defer close(released)

		go old.close(fmt.Errorf("%w: reset by peer", ErrConnectionLost))
		Eventually(old.isDead).Should(BeTrue())

		v, err := conn.Command(ctx, "PING")
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(protocol.SimpleString("PONG")))
		Expect(server.Accepted()).To(BeEquivalentTo(2))

		conn.mu.Lock()
		Expect(conn.sess).NotTo(BeIdenticalTo(old))
		conn.mu.Unlock()
	})

	It("ignores the late close of a replaced session", func() {
		conn.mu.Lock()
		old := conn.sess
		conn.mu.Unlock()

		released := make(chan struct{})
		closed := make(chan struct{})
		old.onClose = func(s *session, err error) {
			<-released
			conn.lost(s, err)
			close(closed)
		}

		go old.close(fmt.Errorf("%w: reset by peer", ErrConnectionLost))
		Eventually(old.isDead).Should(BeTrue())

		Expect(conn.Connect(ctx)).To(Succeed())

		close(released)
		Eventually(closed).Should(BeClosed())

		Expect(conn.IsConnected()).To(BeTrue())
		Expect(conn.State()).To(Equal(Connected))
	})
})
