package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/luma/kvlink/protocol"
)

// formatValue renders a reply for a terminal, following redis-cli.
func formatValue(v protocol.Value) string {
	var b strings.Builder
	writeValue(&b, v, 0)
	return b.String()
}

func writeValue(b *strings.Builder, v protocol.Value, indent int) {
	switch v.Kind {
	case protocol.KindSimple:
		b.WriteString(v.Str)

	case protocol.KindError:
		b.WriteString("(error) ")
		b.WriteString(v.Str)

	case protocol.KindInteger:
		fmt.Fprintf(b, "(integer) %d", v.Int)

	case protocol.KindBulk:
		if v.IsNull() {
			b.WriteString("(nil)")
			return
		}

		b.WriteString(strconv.Quote(v.Str))

	case protocol.KindArray:
		switch {
		case v.IsNull():
			b.WriteString("(nil)")
			return

		case len(v.Array) == 0:
			b.WriteString("(empty array)")
			return
		}

		width := len(strconv.Itoa(len(v.Array)))

		for i, item := range v.Array {
			if i > 0 {
				b.WriteByte('\n')
				b.WriteString(strings.Repeat(" ", indent))
			}

			prefix := fmt.Sprintf("%*d) ", width, i+1)
			b.WriteString(prefix)
			writeValue(b, item, indent+len(prefix))
		}
	}
}
