package transport

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/luma/kvlink/protocol"
	"github.com/luma/kvlink/storage"
)

const defaultUser = "default"

var (
	replyOK   = protocol.SimpleString("OK")
	replyPong = protocol.SimpleString("PONG")

	errNotInteger = protocol.ErrorValue("ERR value is not an integer or out of range")
	errSyntax     = protocol.ErrorValue("ERR syntax error")
	errNoAuth     = protocol.ErrorValue("NOAUTH Authentication required.")
	errWrongPass  = protocol.ErrorValue("WRONGPASS invalid username-password pair or user is disabled.")
	errNoPassword = protocol.ErrorValue("ERR AUTH <password> called without any password configured for the default user. Are you sure your configuration is correct?")
	errExpireTime = protocol.ErrorValue("ERR invalid expire time in 'set' command")
)

type handler struct {
	// minArgs and maxArgs count the arguments after the command name, a
	// negative maxArgs means there is no upper bound.
	minArgs int
	maxArgs int

	run func(t *TCPConn, args []string) protocol.Value
}

var handlers map[string]handler

func init() {
	handlers = map[string]handler{
		"ping":    {0, 1, ping},
		"echo":    {1, 1, echo},
		"get":     {1, 1, get},
		"set":     {2, -1, set},
		"del":     {1, -1, del},
		"exists":  {1, -1, exists},
		"incr":    {1, 1, incrBy(1)},
		"decr":    {1, 1, incrBy(-1)},
		"incrby":  {2, 2, incrByArg(1)},
		"decrby":  {2, 2, incrByArg(-1)},
		"expire":  {2, 2, expire(time.Second)},
		"pexpire": {2, 2, expire(time.Millisecond)},
		"ttl":     {1, 1, ttl(time.Second)},
		"pttl":    {1, 1, ttl(time.Millisecond)},
		"mget":    {1, -1, mget},
	}
}

// execute runs one command. The second return is true when the connection
// should be closed once the reply is written.
func (t *TCPConn) execute(args []string) (protocol.Value, bool) {
	name := strings.ToLower(args[0])

	switch name {
	case "quit":
		return replyOK, true

	case "auth":
		if len(args) < 2 || len(args) > 3 {
			return wrongArity(name), false
		}

		return t.auth(args[1:]), false
	}

	if !t.authenticated {
		return errNoAuth, false
	}

	h, ok := handlers[name]
	if !ok {
		return unknownCommand(args), false
	}

	n := len(args) - 1
	if n < h.minArgs || (h.maxArgs >= 0 && n > h.maxArgs) {
		return wrongArity(name), false
	}

	return h.run(t, args[1:]), false
}

func (t *TCPConn) auth(args []string) protocol.Value {
	if t.options.Password == "" {
		return errNoPassword
	}

	user, password := defaultUser, args[0]
	if len(args) == 2 {
		user, password = args[0], args[1]
	}

	wantUser := t.options.Username
	if wantUser == "" {
		wantUser = defaultUser
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(t.options.Password)) == 1

	if !userOK || !passOK {
		return errWrongPass
	}

	t.authenticated = true
	return replyOK
}

func ping(_ *TCPConn, args []string) protocol.Value {
	if len(args) == 1 {
		return protocol.BulkString(args[0])
	}

	return replyPong
}

func echo(_ *TCPConn, args []string) protocol.Value {
	return protocol.BulkString(args[0])
}

func get(t *TCPConn, args []string) protocol.Value {
	value, ok, err := t.store.Get(t.ctx, args[0])
	if err != nil {
		return storeError(err)
	}

	if !ok {
		return protocol.NullBulk()
	}

	return protocol.BulkString(string(value))
}

// set supports SET key value [EX seconds | PX milliseconds] [NX | XX]
func set(t *TCPConn, args []string) protocol.Value {
	var (
		ttl  = storage.NoTTL
		mode = storage.SetAlways
	)

	for i := 2; i < len(args); i++ {
		switch opt := strings.ToUpper(args[i]); opt {
		case "NX", "XX":
			if mode != storage.SetAlways {
				return errSyntax
			}

			mode = storage.SetIfAbsent
			if opt == "XX" {
				mode = storage.SetIfPresent
			}

		case "EX", "PX":
			if ttl != storage.NoTTL || i+1 == len(args) {
				return errSyntax
			}

			i++
			n, err := strconv.ParseInt(args[i], 10, 64)
			if err != nil {
				return errNotInteger
			}

			if n <= 0 {
				return errExpireTime
			}

			unit := time.Second
			if opt == "PX" {
				unit = time.Millisecond
			}

			ttl = time.Duration(n) * unit

		default:
			return errSyntax
		}
	}

	ok, err := t.store.Set(t.ctx, args[0], []byte(args[1]), ttl, mode)
	if err != nil {
		return storeError(err)
	}

	if !ok {
		return protocol.NullBulk()
	}

	return replyOK
}

func del(t *TCPConn, args []string) protocol.Value {
	n, err := t.store.Delete(t.ctx, args...)
	if err != nil {
		return storeError(err)
	}

	return protocol.Integer(int64(n))
}

func exists(t *TCPConn, args []string) protocol.Value {
	n, err := t.store.Exists(t.ctx, args...)
	if err != nil {
		return storeError(err)
	}

	return protocol.Integer(int64(n))
}

func incrBy(delta int64) func(*TCPConn, []string) protocol.Value {
	return func(t *TCPConn, args []string) protocol.Value {
		n, err := t.store.IncrBy(t.ctx, args[0], delta)
		if err != nil {
			return storeError(err)
		}

		return protocol.Integer(n)
	}
}

func incrByArg(sign int64) func(*TCPConn, []string) protocol.Value {
	return func(t *TCPConn, args []string) protocol.Value {
		delta, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return errNotInteger
		}

		return incrBy(sign*delta)(t, args[:1])
	}
}

func expire(unit time.Duration) func(*TCPConn, []string) protocol.Value {
	return func(t *TCPConn, args []string) protocol.Value {
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return errNotInteger
		}

		ok, err := t.store.Expire(t.ctx, args[0], time.Duration(n)*unit)
		if err != nil {
			return storeError(err)
		}

		if ok {
			return protocol.Integer(1)
		}

		return protocol.Integer(0)
	}
}

// ttl replies -2 for a missing key and -1 for a key without an expiry.
func ttl(unit time.Duration) func(*TCPConn, []string) protocol.Value {
	return func(t *TCPConn, args []string) protocol.Value {
		remaining, ok, err := t.store.TTL(t.ctx, args[0])
		if err != nil {
			return storeError(err)
		}

		switch {
		case !ok:
			return protocol.Integer(-2)

		case remaining == storage.NoTTL:
			return protocol.Integer(-1)
		}

		// Round to the nearest unit
		return protocol.Integer(int64((remaining + unit/2) / unit))
	}
}

func mget(t *TCPConn, args []string) protocol.Value {
	values := make([]protocol.Value, 0, len(args))

	for _, key := range args {
		value, ok, err := t.store.Get(t.ctx, key)
		if err != nil {
			return storeError(err)
		}

		if !ok {
			values = append(values, protocol.NullBulk())
			continue
		}

		values = append(values, protocol.BulkString(string(value)))
	}

	return protocol.Array(values...)
}

func storeError(err error) protocol.Value {
	if errors.Is(err, storage.ErrNotInteger) {
		return errNotInteger
	}

	return protocol.ErrorValue("ERR " + err.Error())
}

func wrongArity(name string) protocol.Value {
	return protocol.ErrorValue(fmt.Sprintf("ERR wrong number of arguments for '%s' command", name))
}

func unknownCommand(args []string) protocol.Value {
	quoted := make([]string, 0, len(args)-1)
	for _, arg := range args[1:] {
		quoted = append(quoted, "'"+arg+"'")
	}

	return protocol.ErrorValue(fmt.Sprintf(
		"ERR unknown command '%s', with args beginning with: %s", args[0], strings.Join(quoted, " ")))
}
