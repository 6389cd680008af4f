package protocol_test

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"

	"github.com/luma/kvlink/protocol"
)

// parseAll decodes one value from data and expects it to use every byte.
func parseAll(data string) protocol.Value {
	v, n, err := protocol.Parse([]byte(data), 0)
	Expect(err).To(Succeed())
	Expect(n).To(Equal(len(data)))
	return v
}

// feedInChunks appends the bytes of data to a buffer chunk by chunk, retrying
// the parse after every chunk, the way a connection's read loop does.
func feedInChunks(data string, cuts ...int) (protocol.Value, int, int) {
	var (
		buf      []byte
		attempts int
		last     int
	)

	cuts = append(cuts, len(data))
	for _, cut := range cuts {
		buf = append(buf, data[last:cut]...)
		last = cut

		v, n, err := protocol.Parse(buf, 0)
		attempts++
		if errors.Is(err, protocol.ErrIncomplete) {
			continue
		}

		Expect(err).To(Succeed())
		return v, n, attempts
	}

	Fail("the value never completed")
	return protocol.Value{}, 0, attempts
}

var _ = Describe("Parse()", func() {
	It("decodes simple strings", func() {
		Expect(parseAll("+PONG\r\n")).To(Equal(protocol.SimpleString("PONG")))
	})

	It("decodes error replies as error values", func() {
		v := parseAll("-ERR unknown command 'FOO'\r\n")
		Expect(v.Kind).To(Equal(protocol.KindError))
		Expect(v.Err()).To(MatchError("ERR unknown command 'FOO'"))
		Expect(v.Err().(protocol.Error).Prefix()).To(Equal("ERR"))
	})

	It("decodes signed integers", func() {
		Expect(parseAll(":42\r\n")).To(Equal(protocol.Integer(42)))
		Expect(parseAll(":-7\r\n")).To(Equal(protocol.Integer(-7)))
	})

	Describe("bulk strings", func() {
		It("decodes a payload", func() {
			Expect(parseAll("$3\r\nfoo\r\n")).To(Equal(protocol.BulkString("foo")))
		})

		It("keeps CRLF inside the payload", func() {
			Expect(parseAll("$4\r\na\r\nb\r\n")).To(Equal(protocol.BulkString("a\r\nb")))
		})

		It("tells null apart from the empty string", func() {
			null := parseAll("$-1\r\n")
			Expect(null.IsNull()).To(BeTrue())
			Expect(null.Kind).To(Equal(protocol.KindBulk))

			empty := parseAll("$0\r\n\r\n")
			Expect(empty.IsNull()).To(BeFalse())

			text, ok := empty.Text()
			Expect(ok).To(BeTrue())
			Expect(text).To(Equal(""))
		})

		It("rejects a payload that is not followed by CRLF", func() {
			_, _, err := protocol.Parse([]byte("$3\r\nfooXY"), 0)

			var perr *protocol.ParseError
			Expect(errors.As(err, &perr)).To(BeTrue())
		})
	})

	Describe("arrays", func() {
		It("decodes an array of bulk strings", func() {
			v := parseAll("*2\r\n$3\r\nfoo\r\n$3\r\nbar\r\n")
			Expect(v.Strings()).To(Equal([]string{"foo", "bar"}))
		})

		It("decodes nested arrays of mixed kinds", func() {
			v := parseAll("*3\r\n:1\r\n*2\r\n+a\r\n$-1\r\n-WRONGTYPE nope\r\n")
			Expect(v).To(Equal(protocol.Array(
				protocol.Integer(1),
				protocol.Array(protocol.SimpleString("a"), protocol.NullBulk()),
				protocol.ErrorValue("WRONGTYPE nope"),
			)))
		})

		It("keeps nested error values as errors", func() {
			v := parseAll("*1\r\n-ERR inner\r\n")
			Expect(v.Array[0].Kind).To(Equal(protocol.KindError))
			Expect(v.Array[0].IsNull()).To(BeFalse())
		})

		It("tells the null array apart from the empty array", func() {
			null := parseAll("*-1\r\n")
			Expect(null.IsNull()).To(BeTrue())

			empty := parseAll("*0\r\n")
			Expect(empty.IsNull()).To(BeFalse())
			Expect(empty.Array).To(BeEmpty())
		})
	})

	Describe("incomplete input", func() {
		It("reports ErrIncomplete for an empty buffer", func() {
			_, _, err := protocol.Parse(nil, 0)
			Expect(err).To(MatchError(protocol.ErrIncomplete))
		})

		It("reports ErrIncomplete for a line without a terminator", func() {
			_, _, err := protocol.Parse([]byte("+PON"), 0)
			Expect(err).To(MatchError(protocol.ErrIncomplete))

			_, _, err = protocol.Parse([]byte("+PONG\r"), 0)
			Expect(err).To(MatchError(protocol.ErrIncomplete))
		})

		It("reports ErrIncomplete for a short bulk payload", func() {
			_, _, err := protocol.Parse([]byte("$5\r\nab"), 0)
			Expect(err).To(MatchError(protocol.ErrIncomplete))
		})

		It("only completes an array once its last element arrives", func() {
			first := "*2\r\n$3\r\nfoo\r\n"
			second := "$3\r\nbar\r\n"

			_, _, err := protocol.Parse([]byte(first), 0)
			Expect(err).To(MatchError(protocol.ErrIncomplete))

			v, n, attempts := feedInChunks(first+second, len(first))
			Expect(attempts).To(Equal(2))
			Expect(n).To(Equal(len(first + second)))
			Expect(v.Strings()).To(Equal([]string{"foo", "bar"}))
		})

		It("gives the same result however the bytes are split", func() {
			data := "*4\r\n+OK\r\n$5\r\nhe\r\nl\r\n*2\r\n:-12\r\n$-1\r\n-ERR x\r\n"
			whole, wholeN, _ := feedInChunks(data)

			for cut := 1; cut < len(data); cut++ {
				v, n, _ := feedInChunks(data, cut)
				Expect(v).To(Equal(whole), "cut at %d", cut)
				Expect(n).To(Equal(wholeN), "cut at %d", cut)
			}

			for a := 1; a < len(data); a += 3 {
				for b := a + 1; b < len(data); b += 5 {
					v, n, _ := feedInChunks(data, a, b)
					Expect(v).To(Equal(whole), "cuts at %d and %d", a, b)
					Expect(n).To(Equal(wholeN), "cuts at %d and %d", a, b)
				}
			}
		})
	})

	Describe("offsets", func() {
		It("decodes consecutive values from one buffer", func() {
			buf := []byte("+OK\r\n$1\r\nv\r\n:3")

			v, n, err := protocol.Parse(buf, 0)
			Expect(err).To(Succeed())
			Expect(v).To(Equal(protocol.SimpleString("OK")))
			Expect(n).To(Equal(5))

			v, n2, err := protocol.Parse(buf, n)
			Expect(err).To(Succeed())
			Expect(v).To(Equal(protocol.BulkString("v")))
			Expect(n2).To(Equal(7))

			_, _, err = protocol.Parse(buf, n+n2)
			Expect(err).To(MatchError(protocol.ErrIncomplete))
		})
	})

	Describe("malformed input", func() {
		DescribeTable("returns a ParseError",
			func(data string) {
				_, _, err := protocol.Parse([]byte(data), 0)

				var perr *protocol.ParseError
				Expect(errors.As(err, &perr)).To(BeTrue(), "got %v", err)
			},
			Entry("unknown marker", "!oops\r\n"),
			Entry("non numeric bulk length", "$abc\r\n"),
			Entry("non numeric array count", "*x\r\n"),
			Entry("negative bulk length", "$-2\r\n"),
			Entry("invalid integer", ":12a\r\n"),
			Entry("LF without CR", "+OK\n"),
			Entry("empty line", "\r\n"),
			Entry("malformed nested value", "*2\r\n+ok\r\n?\r\n"),
		)
	})
})
