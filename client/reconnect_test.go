package client

import (
	"context"
	"errors"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/luma/kvlink/transport"
)

var _ = Describe("Backoff", func() {
	backoff := Backoff{Base: 100 * time.Millisecond, Max: time.Second}

	DescribeTable("Delay",
		func(attempt int, expected time.Duration) {
			Expect(backoff.Delay(attempt)).To(Equal(expected))
		},
		Entry("treats attempt 0 as the first", 0, 100*time.Millisecond),
		Entry("first attempt", 1, 100*time.Millisecond),
		Entry("second attempt", 2, 200*time.Millisecond),
		Entry("third attempt", 3, 400*time.Millisecond),
		Entry("fourth attempt", 4, 800*time.Millisecond),
		Entry("caps at the max", 5, time.Second),
		Entry("stays capped without overflowing", 200, time.Second),
	)

	It("never decreases", func() {
		last := time.Duration(0)
		for attempt := 1; attempt < 100; attempt++ {
			delay := backoff.Delay(attempt)
			Expect(delay).To(BeNumerically(">=", last))
			last = delay
		}
	})
})

var _ = Describe("reconnecting", func() {
	var (
		ctx    context.Context
		server *transport.TCP
		dials  *atomic.Int64
		delays chan time.Duration
		conn   *Conn
	)

	BeforeEach(func() {
		ctx = context.Background()

		server = transport.NewTCP(transport.Options{Host: "127.0.0.1", Log: zap.NewNop()})
		Expect(server.Start(ctx)).To(Succeed())

		dials = atomic.NewInt64(0)
		delays = make(chan time.Duration, 16)
	})

	AfterEach(func() {
		Expect(conn.Quit(ctx)).To(Succeed())
		Expect(server.Close()).To(Succeed())
	})

	// newConn refuses the dials numbered in refuse, counting from 1.
	newConn := func(refuse ...int64) *Conn {
		c := New(Options{
			Addr:               server.Addr(),
			ReconnectBaseDelay: 100 * time.Millisecond,
			ReconnectMaxDelay:  250 * time.Millisecond,
			Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
				n := dials.Inc()
				for _, r := range refuse {
					if n == r {
						return nil, errors.New("connection refused")
					}
				}

				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		})

		c.wait = func(d time.Duration, quit <-chan struct{}) bool {
			delays <- d

			select {
			case <-quit:
				return false
			default:
				return true
			}
		}

		return c
	}

	It("backs off exponentially across consecutive failures", func() {
		conn = newConn(2, 3, 4)
		Expect(conn.Connect(ctx)).To(Succeed())

		Expect(server.DropConnections()).To(Succeed())

		var observed []time.Duration
		for i := 0; i < 4; i++ {
			var d time.Duration
			Eventually(delays).Should(Receive(&d))
			observed = append(observed, d)
		}

		Expect(observed).To(Equal([]time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			250 * time.Millisecond,
			250 * time.Millisecond,
		}))

		Eventually(conn.IsConnected).Should(BeTrue())
		Expect(dials.Load()).To(BeEquivalentTo(5))
		Consistently(delays, 50*time.Millisecond).ShouldNot(Receive())
	})

	It("schedules one attempt per unrequested disconnect and resets after success", func() {
		conn = newConn()
		Expect(conn.Connect(ctx)).To(Succeed())

		for i := 0; i < 3; i++ {
			Eventually(server.ActiveConns).Should(Equal(1))
			Expect(server.DropConnections()).To(Succeed())

			Eventually(delays).Should(Receive(Equal(100 * time.Millisecond)))
			Eventually(conn.IsConnected).Should(BeTrue())
		}

		Expect(dials.Load()).To(BeEquivalentTo(4))
		Expect(delays).NotTo(Receive())
	})

	It("does not reconnect when the first connect fails", func() {
		conn = newConn(1)

		Expect(conn.Connect(ctx)).NotTo(Succeed())
		Expect(conn.State()).To(Equal(Disconnected))
		Consistently(delays, 50*time.Millisecond).ShouldNot(Receive())

		// The next command connects on its own
		Expect(conn.Connect(ctx)).To(Succeed())
		Expect(dials.Load()).To(BeEquivalentTo(2))
	})

	It("stops reconnecting once Quit is called", func() {
		conn = newConn()
		conn.wait = func(d time.Duration, quit <-chan struct{}) bool {
			delays <- d
			<-quit
			return false
		}

		Expect(conn.Connect(ctx)).To(Succeed())
		Expect(server.DropConnections()).To(Succeed())

		Eventually(delays).Should(Receive())
		Expect(conn.Quit(ctx)).To(Succeed())

		Consistently(dials.Load, 100*time.Millisecond).Should(BeEquivalentTo(1))
		Expect(conn.State()).To(Equal(ClosingByUser))
	})
})
