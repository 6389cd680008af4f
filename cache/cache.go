package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/luma/kvlink/protocol"
)

// ErrNotJSON is returned by the field operations when the stored value isn't
// a JSON document.
var ErrNotJSON = errors.New("cached value is not valid JSON")

// Commander sends one command and waits for its reply, *client.Conn is one.
type Commander interface {
	Command(ctx context.Context, args ...string) (protocol.Value, error)
}

type Options struct {
	// Prefix is prepended to every key
	Prefix string

	// TTL is used by writes that don't pass their own, zero means keys don't expire
	TTL time.Duration

	// LoadTimeout bounds a shared Fetch load and the write caching its
	// result, zero means no bound. A load outlives the caller that started
	// it, so it never runs on a caller's context.
	LoadTimeout time.Duration

	Log *zap.Logger
}

// Cache stores byte values and JSON documents under prefixed keys.
type Cache struct {
	conn    Commander
	options Options

	// loads makes concurrent Fetch misses for the same key share one load
	loads singleflight.Group

	log *zap.Logger
}

func New(conn Commander, options Options) *Cache {
	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	return &Cache{
		conn:    conn,
		options: options,
		log:     options.Log.Named("cache"),
	}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := c.conn.Command(ctx, "GET", c.key(key))
	if err != nil {
		return nil, false, err
	}

	if v.IsNull() {
		return nil, false, nil
	}

	if v.Kind != protocol.KindBulk {
		return nil, false, fmt.Errorf("unexpected %s reply to GET", v.Kind)
	}

	return []byte(v.Str), true, nil
}

// Set writes value under key. A zero ttl uses Options.TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := []string{"SET", c.key(key), string(value)}

	if ttl <= 0 {
		ttl = c.options.TTL
	}

	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(milliseconds(ttl), 10))
	}

	_, err := c.conn.Command(ctx, args...)
	return err
}

func (c *Cache) Delete(ctx context.Context, keys ...string) (int, error) {
	args := make([]string, 0, len(keys)+1)
	args = append(args, "DEL")

	for _, key := range keys {
		args = append(args, c.key(key))
	}

	v, err := c.conn.Command(ctx, args...)
	if err != nil {
		return 0, err
	}

	return int(v.Int), nil
}

// Fetch returns the cached value for key, calling load and caching its result
// on a miss. Concurrent misses on the same key share a single load.
func (c *Cache) Fetch(
	ctx context.Context,
	key string,
	ttl time.Duration,
	load func(ctx context.Context) ([]byte, error),
) ([]byte, error) {
	value, ok, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if ok {
		return value, nil
	}

	loads := c.loads.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := c.loadContext()
		defer cancel()

		value, err := load(loadCtx)
		if err != nil {
			return nil, err
		}

		if err := c.Set(loadCtx, key, value, ttl); err != nil {
			// The value is still good, the next Fetch will load it again
			c.log.Warn("Failed to cache loaded value", zap.String("key", key), zap.Error(err))
		}

		return value, nil
	})

	select {
	case res := <-loads:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.([]byte), nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) loadContext() (context.Context, context.CancelFunc) {
	if c.options.LoadTimeout > 0 {
		return context.WithTimeout(context.Background(), c.options.LoadTimeout)
	}

	return context.WithCancel(context.Background())
}

// milliseconds rounds d up to whole milliseconds, PX 0 is rejected by the store.
func milliseconds(d time.Duration) int64 {
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}

// GetField reads the value at path, in gjson syntax, from the JSON document
// stored under key.
func (c *Cache) GetField(ctx context.Context, key, path string) (gjson.Result, bool, error) {
	doc, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return gjson.Result{}, false, err
	}

	if !gjson.ValidBytes(doc) {
		return gjson.Result{}, false, ErrNotJSON
	}

	result := gjson.GetBytes(doc, path)
	return result, result.Exists(), nil
}

// SetField writes value at path, in sjson syntax, into the JSON document
// stored under key, creating the document if it is missing. This is a read
// then a write, concurrent writers to the same key overwrite each other.
func (c *Cache) SetField(ctx context.Context, key, path string, value interface{}, ttl time.Duration) error {
	doc, ok, err := c.Get(ctx, key)
	if err != nil {
		return err
	}

	if !ok {
		doc = []byte("{}")
	} else if !gjson.ValidBytes(doc) {
		return ErrNotJSON
	}

	doc, err = sjson.SetBytes(doc, path, value)
	if err != nil {
		return fmt.Errorf("failed to set %q: %w", path, err)
	}

	return c.Set(ctx, key, doc, ttl)
}

// DeleteField removes path from the JSON document stored under key.
func (c *Cache) DeleteField(ctx context.Context, key, path string, ttl time.Duration) error {
	doc, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return err
	}

	if !gjson.ValidBytes(doc) {
		return ErrNotJSON
	}

	doc, err = sjson.DeleteBytes(doc, path)
	if err != nil {
		return fmt.Errorf("failed to delete %q: %w", path, err)
	}

	return c.Set(ctx, key, doc, ttl)
}

func (c *Cache) key(key string) string {
	return c.options.Prefix + key
}
