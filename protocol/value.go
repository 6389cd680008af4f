package protocol

import (
	"fmt"
	"strings"
)

// Kind identifies which variant of the reply union a Value holds.
type Kind uint8

const (
	KindSimple Kind = iota + 1
	KindError
	KindInteger
	KindBulk
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindSimple:
		return "simple"
	case KindError:
		return "error"
	case KindInteger:
		return "integer"
	case KindBulk:
		return "bulk"
	case KindArray:
		return "array"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a single decoded protocol value.
//
// Str holds the text of simple strings and errors and the payload of bulk
// strings. Int holds integers. Array holds the elements of an array. Null is
// only ever set on bulk strings and arrays.
type Value struct {
	Kind  Kind
	Str   string
	Int   int64
	Array []Value
	Null  bool
}

func SimpleString(s string) Value {
	return Value{Kind: KindSimple, Str: s}
}

func ErrorValue(msg string) Value {
	return Value{Kind: KindError, Str: msg}
}

func Integer(n int64) Value {
	return Value{Kind: KindInteger, Int: n}
}

func BulkString(s string) Value {
	return Value{Kind: KindBulk, Str: s}
}

func NullBulk() Value {
	return Value{Kind: KindBulk, Null: true}
}

func Array(values ...Value) Value {
	if values == nil {
		values = []Value{}
	}

	return Value{Kind: KindArray, Array: values}
}

func NullArray() Value {
	return Value{Kind: KindArray, Null: true}
}

// BulkStrings builds an array of bulk strings, the shape of every request.
func BulkStrings(ss ...string) Value {
	values := make([]Value, len(ss))
	for i, s := range ss {
		values[i] = BulkString(s)
	}

	return Array(values...)
}

func (v Value) IsNull() bool {
	return v.Null
}

// Err returns the value as an Error if it is an error reply, otherwise nil.
func (v Value) Err() error {
	if v.Kind == KindError {
		return Error(v.Str)
	}

	return nil
}

// Text returns the string content of simple strings and non-null bulk strings.
func (v Value) Text() (string, bool) {
	switch {
	case v.Kind == KindSimple:
		return v.Str, true
	case v.Kind == KindBulk && !v.Null:
		return v.Str, true
	default:
		return "", false
	}
}

// Strings flattens an array of simple or bulk strings. Null elements become
// empty strings.
func (v Value) Strings() ([]string, error) {
	if v.Kind != KindArray {
		return nil, fmt.Errorf("expected an array, got %s", v.Kind)
	}

	if v.Null {
		return nil, nil
	}

	ss := make([]string, len(v.Array))
	for i, elem := range v.Array {
		if elem.Null {
			continue
		}

		s, ok := elem.Text()
		if !ok {
			return nil, fmt.Errorf("element %d: expected a string, got %s", i, elem.Kind)
		}

		ss[i] = s
	}

	return ss, nil
}

// Error is an error reply sent by the store. It is a business level signal
// and not a transport fault.
type Error string

func (e Error) Error() string {
	return string(e)
}

// Prefix returns the leading upper case word of the error, e.g. ERR or WRONGTYPE.
func (e Error) Prefix() string {
	s := string(e)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}

	if s != strings.ToUpper(s) {
		return ""
	}

	return s
}
