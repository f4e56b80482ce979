package secrets

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrUnterminatedQuote is returned when a quoted field runs off the end of a line
var ErrUnterminatedQuote = errors.New("unterminated quoted string")

// ParseLine splits a secrets line into fields.
//
// Fields are separated by blanks or tabs. A field may be enclosed in double
// quotes, in which case it may contain blanks and the escapes \n, \t, \\
// and \". An unquoted '#' at the start of a field starts a comment that
// runs to the end of the line.
func ParseLine(line string) ([]string, error) {
	var (
		fields []string
		cur    strings.Builder
		inTok  bool
		quoted bool
	)

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quoted:
			switch c {
			case '"':
				quoted = false
			case '\\':
				if i+1 >= len(line) {
					return nil, ErrUnterminatedQuote
				}
				i++
				cur.WriteByte(unescape(line[i]))
			default:
				cur.WriteByte(c)
			}
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			if inTok {
				fields = append(fields, cur.String())
				cur.Reset()
				inTok = false
			}
		case c == '#' && !inTok:
			return fields, nil
		case c == '"':
			inTok = true
			quoted = true
		default:
			inTok = true
			cur.WriteByte(c)
		}
	}

	if quoted {
		return nil, ErrUnterminatedQuote
	}
	if inTok {
		fields = append(fields, cur.String())
	}
	return fields, nil
}

func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	default:
		return c
	}
}
