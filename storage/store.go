package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotInteger = errors.New("value is not an integer or out of range")
	ErrClosed     = errors.New("store is closed")
)

// NoTTL marks a key that never expires.
const NoTTL time.Duration = 0

type SetMode int

const (
	// SetAlways writes the key whether or not it exists.
	SetAlways SetMode = iota

	// SetIfAbsent only writes the key if it does not exist (NX).
	SetIfAbsent

	// SetIfPresent only writes the key if it already exists (XX).
	SetIfPresent
)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes value under key and reports whether the write happened, which
	// only matters for the conditional modes.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, mode SetMode) (bool, error)

	Delete(ctx context.Context, keys ...string) (int, error)
	Exists(ctx context.Context, keys ...string) (int, error)

	// IncrBy adds delta to the integer stored at key, treating a missing key as 0.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// Expire sets a new TTL on an existing key. A non-positive ttl deletes it.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// TTL returns the remaining lifetime of key. ok is false when the key does
	// not exist, ttl is NoTTL when it never expires.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)

	Close() error
}
