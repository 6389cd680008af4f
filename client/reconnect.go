package client

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Backoff computes reconnect delays: Base doubled for every consecutive
// failed attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given attempt, attempts count from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := b.Base
	for i := 1; i < attempt; i++ {
		if delay >= b.Max/2 {
			return b.Max
		}

		delay *= 2
	}

	if delay > b.Max {
		return b.Max
	}

	return delay
}

// reconnectLoop keeps trying to connect until it succeeds or Quit is
// called. A command may reconnect first, the loop then finds the session
// in place and stops.
func (c *Conn) reconnectLoop() {
	log := c.log.Named("reconnect")

	for {
		c.mu.Lock()
		if c.quitting || c.live() != nil {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}

		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		delay := c.backoff.Delay(attempt)
		log.Info("Scheduling reconnect",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		if !c.wait(delay, c.quit) {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			return
		}

		if _, err := c.session(context.Background()); err != nil && !errors.Is(err, ErrClientClosed) {
			log.Warn("Reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		}
	}
}

func sleep(d time.Duration, quit <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true

	case <-quit:
		return false
	}
}
