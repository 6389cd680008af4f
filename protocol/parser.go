package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

const (
	// MaxBulkLength bounds a single bulk payload, matching the store's own limit.
	MaxBulkLength = 512 * 1024 * 1024

	// MaxArrayLength bounds the declared element count of an array.
	MaxArrayLength = 1<<31 - 1

	MarkerSimple  byte = '+'
	MarkerError   byte = '-'
	MarkerInteger byte = ':'
	MarkerBulk    byte = '$'
	MarkerArray   byte = '*'
)

var (
	// ErrIncomplete means the buffer does not yet hold a whole value. Append
	// more bytes and call Parse again with the same offset.
	ErrIncomplete = errors.New("incomplete value, more bytes are needed")
)

// ParseError reports malformed framing. The connection the bytes came from
// can no longer be trusted.
type ParseError struct {
	Offset  int
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error at offset %d: %s: %v", e.Offset, e.Message, e.Err)
	}

	return fmt.Sprintf("protocol error at offset %d: %s", e.Offset, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse attempts to decode exactly one value from buf, starting at offset. It
// returns the value and the number of bytes it occupied.
//
// Parse never modifies buf. If buf holds only part of a value it returns
// ErrIncomplete, if the framing is malformed it returns a *ParseError.
func Parse(buf []byte, offset int) (Value, int, error) {
	v, end, err := parseValue(buf, offset)
	if err != nil {
		return Value{}, 0, err
	}

	return v, end - offset, nil
}

// parseValue decodes the value starting at pos and returns the offset just
// past it.
func parseValue(buf []byte, pos int) (Value, int, error) {
	line, next, err := readLine(buf, pos)
	if err != nil {
		return Value{}, 0, err
	}

	if len(line) == 0 {
		return Value{}, 0, &ParseError{Offset: pos, Message: "empty line"}
	}

	switch line[0] {
	case MarkerSimple:
		return SimpleString(string(line[1:])), next, nil

	case MarkerError:
		return ErrorValue(string(line[1:])), next, nil

	case MarkerInteger:
		n, err := strconv.ParseInt(string(line[1:]), 10, 64)
		if err != nil {
			return Value{}, 0, &ParseError{Offset: pos, Message: "invalid integer", Err: err}
		}

		return Integer(n), next, nil

	case MarkerBulk:
		n, err := parseLength(line[1:], pos, MaxBulkLength)
		if err != nil {
			return Value{}, 0, err
		}

		if n < 0 {
			return NullBulk(), next, nil
		}

		end := next + n
		if len(buf) < end+2 {
			return Value{}, 0, ErrIncomplete
		}

		if buf[end] != '\r' || buf[end+1] != '\n' {
			return Value{}, 0, &ParseError{Offset: end, Message: "bulk payload is not terminated by CRLF"}
		}

		return BulkString(string(buf[next:end])), end + 2, nil

	case MarkerArray:
		n, err := parseLength(line[1:], pos, MaxArrayLength)
		if err != nil {
			return Value{}, 0, err
		}

		if n < 0 {
			return NullArray(), next, nil
		}

		// Every element needs at least 3 bytes, don't trust the declared
		// count further than the buffer can back it.
		capacity := n
		if remaining := (len(buf) - next) / 3; capacity > remaining {
			capacity = remaining
		}

		values := make([]Value, 0, capacity)
		for i := 0; i < n; i++ {
			var v Value
			v, next, err = parseValue(buf, next)
			if err != nil {
				return Value{}, 0, err
			}

			values = append(values, v)
		}

		return Value{Kind: KindArray, Array: values}, next, nil

	default:
		return Value{}, 0, &ParseError{
			Offset:  pos,
			Message: fmt.Sprintf("unknown type marker %q", line[0]),
		}
	}
}

// readLine returns the line starting at pos without its CRLF, and the offset
// of the byte following the CRLF.
func readLine(buf []byte, pos int) ([]byte, int, error) {
	if pos >= len(buf) {
		return nil, 0, ErrIncomplete
	}

	i := bytes.IndexByte(buf[pos:], '\n')
	if i < 0 {
		return nil, 0, ErrIncomplete
	}

	end := pos + i
	if end == pos || buf[end-1] != '\r' {
		return nil, 0, &ParseError{Offset: end, Message: "line is terminated by LF without CR"}
	}

	return buf[pos : end-1], end + 1, nil
}

// parseLength parses the declared length of a bulk string or array. -1 is the
// only negative length allowed, it marks a null value.
func parseLength(b []byte, pos int, limit int) (int, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, &ParseError{Offset: pos, Message: "invalid length", Err: err}
	}

	if n < -1 || n > int64(limit) {
		return 0, &ParseError{Offset: pos, Message: fmt.Sprintf("length %d out of range", n)}
	}

	return int(n), nil
}
