package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/luma/kvlink/protocol"
)

// Decision is the outcome of one Limiter.Allow call.
type Decision struct {
	Allowed bool

	// Remaining is how many more calls the current window allows
	Remaining int64

	// Reset is how long until the current window ends
	Reset time.Duration
}

// Limiter is a fixed window rate limiter. Each window is its own counter key,
// it is created by the first INCR of the window and expires with it.
type Limiter struct {
	conn   Commander
	prefix string
	limit  int64
	window time.Duration

	now func() time.Time
}

// ErrInvalidLimit is returned by NewLimiter for a limit or window that isn't positive.
var ErrInvalidLimit = errors.New("rate limit and window must be positive")

func NewLimiter(conn Commander, prefix string, limit int64, window time.Duration) (*Limiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, fmt.Errorf("%w: limit %d, window %s", ErrInvalidLimit, limit, window)
	}

	return &Limiter{
		conn:   conn,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
	}, nil
}

func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now().UnixNano()
	window := int64(l.window)

	index := now / window
	reset := time.Duration(window - now%window)

	counter := l.prefix + key + ":" + strconv.FormatInt(index, 10)

	v, err := l.conn.Command(ctx, "INCR", counter)
	if err != nil {
		return Decision{}, err
	}

	if v.Kind != protocol.KindInteger {
		return Decision{}, fmt.Errorf("unexpected %s reply to INCR", v.Kind)
	}

	count := v.Int

	if count == 1 {
		// Keep the counter a little past the end of its window
		ttl := milliseconds(reset + time.Second)
		if _, err := l.conn.Command(ctx, "PEXPIRE", counter, strconv.FormatInt(ttl, 10)); err != nil {
			return Decision{}, err
		}
	}

	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   count <= l.limit,
		Remaining: remaining,
		Reset:     reset,
	}, nil
}
