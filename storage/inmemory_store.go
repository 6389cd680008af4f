package storage

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type InmemoryStore struct {
	mu     sync.Mutex
	values map[string]*entry

	// now is swapped out by tests
	now func() time.Time

	// stop will be closed when Close() is called
	stop chan struct{}
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		values: make(map[string]*entry),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

func (i *InmemoryStore) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.isRunning() {
		close(i.stop)
	}

	i.values = make(map[string]*entry)

	return nil
}

func (i *InmemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return nil, false, ErrClosed
	}

	e := i.lookup(key)
	if e == nil {
		return nil, false, nil
	}

	return append([]byte(nil), e.value...), true, nil
}

func (i *InmemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration, mode SetMode) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return false, ErrClosed
	}

	exists := i.lookup(key) != nil
	if (mode == SetIfAbsent && exists) || (mode == SetIfPresent && !exists) {
		return false, nil
	}

	e := &entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = i.now().Add(ttl)
	}

	i.values[key] = e

	return true, nil
}

func (i *InmemoryStore) Delete(ctx context.Context, keys ...string) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return 0, ErrClosed
	}

	deleted := 0
	for _, key := range keys {
		if i.lookup(key) != nil {
			delete(i.values, key)
			deleted++
		}
	}

	return deleted, nil
}

func (i *InmemoryStore) Exists(ctx context.Context, keys ...string) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return 0, ErrClosed
	}

	found := 0
	for _, key := range keys {
		if i.lookup(key) != nil {
			found++
		}
	}

	return found, nil
}

func (i *InmemoryStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return 0, ErrClosed
	}

	e := i.lookup(key)
	if e == nil {
		e = &entry{}
		i.values[key] = e
	}

	var current int64
	if len(e.value) > 0 {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}

		current = n
	}

	if (delta > 0 && current > maxInt64-delta) || (delta < 0 && current < minInt64-delta) {
		return 0, ErrNotInteger
	}

	current += delta
	e.value = strconv.AppendInt(e.value[:0], current, 10)

	return current, nil
}

func (i *InmemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return false, ErrClosed
	}

	e := i.lookup(key)
	if e == nil {
		return false, nil
	}

	if ttl <= 0 {
		delete(i.values, key)
		return true, nil
	}

	e.expiresAt = i.now().Add(ttl)

	return true, nil
}

func (i *InmemoryStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return 0, false, ErrClosed
	}

	e := i.lookup(key)
	if e == nil {
		return 0, false, nil
	}

	if e.expiresAt.IsZero() {
		return NoTTL, true, nil
	}

	return e.expiresAt.Sub(i.now()), true, nil
}

// lookup returns the live entry for key, evicting it if it has expired. It
// must be called with the lock held.
func (i *InmemoryStore) lookup(key string) *entry {
	e, ok := i.values[key]
	if !ok {
		return nil
	}

	if e.expired(i.now()) {
		delete(i.values, key)
		return nil
	}

	return e
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

const (
	maxInt64 = int64(^uint64(0) >> 1)
	minInt64 = -maxInt64 - 1
)

var _ Store = (*InmemoryStore)(nil)
