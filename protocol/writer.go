package protocol

import (
	"io"
	"strconv"
	"strings"
)

var (
	Terminal = []byte("\r\n")

	lineBreaks = strings.NewReplacer("\r", " ", "\n", " ")
)

// AppendCommand appends args to dst as an array of bulk strings.
func AppendCommand(dst []byte, args ...string) []byte {
	dst = appendHeader(dst, MarkerArray, int64(len(args)))

	for _, arg := range args {
		dst = appendBulk(dst, arg)
	}

	return dst
}

// WriteCommand encodes args as a request and writes it to w.
func WriteCommand(w io.Writer, args ...string) error {
	_, err := w.Write(AppendCommand(nil, args...))
	return err
}

// AppendValue appends the wire form of v to dst. Line breaks inside simple
// strings and errors are replaced by spaces as those values can't carry them.
func AppendValue(dst []byte, v Value) []byte {
	switch v.Kind {
	case KindSimple:
		dst = append(dst, MarkerSimple)
		dst = append(dst, lineBreaks.Replace(v.Str)...)
		return append(dst, Terminal...)

	case KindError:
		dst = append(dst, MarkerError)
		dst = append(dst, lineBreaks.Replace(v.Str)...)
		return append(dst, Terminal...)

	case KindInteger:
		return appendHeader(dst, MarkerInteger, v.Int)

	case KindBulk:
		if v.Null {
			return appendHeader(dst, MarkerBulk, -1)
		}

		return appendBulk(dst, v.Str)

	case KindArray:
		if v.Null {
			return appendHeader(dst, MarkerArray, -1)
		}

		dst = appendHeader(dst, MarkerArray, int64(len(v.Array)))
		for _, elem := range v.Array {
			dst = AppendValue(dst, elem)
		}

		return dst

	default:
		return dst
	}
}

// WriteValue writes the wire form of v to w.
func WriteValue(w io.Writer, v Value) error {
	_, err := w.Write(AppendValue(nil, v))
	return err
}

func appendHeader(dst []byte, marker byte, n int64) []byte {
	dst = append(dst, marker)
	dst = strconv.AppendInt(dst, n, 10)
	return append(dst, Terminal...)
}

func appendBulk(dst []byte, s string) []byte {
	dst = appendHeader(dst, MarkerBulk, int64(len(s)))
	dst = append(dst, s...)
	return append(dst, Terminal...)
}
