package edgehost

import (
	"encoding/pem"
	"strings"
	"time"
)

// pemData holds the decoded contents of a single PEM block.
type pemData struct {
	Type string
	Data []byte
}

// decodePEM decodes the first PEM block in text. Returns nil if the text does
// not contain a well-formed block.
func decodePEM(text string) *pemData {
	block, _ := pem.Decode([]byte(text))
	if block == nil {
		return nil
	}
	return &pemData{Type: block.Type, Data: block.Bytes}
}

// httpTime formats a time the way HTTP likes: RFC 1123 with a fixed GMT zone,
// e.g. "Wed, 21 Oct 2015 07:28:00 GMT".
func httpTime(t time.Time) string {
	return t.UTC().Format("Mon, 02 Jan 2006 15:04:05") + " GMT"
}

const hexDigits = "0123456789abcdef"

// escapeJSONString escapes text for embedding inside a JSON string literal.
// Quotes, backslashes, and the named control characters get their two-byte
// escapes; any other byte below 0x20 becomes \u00XX; everything else is
// passed through as-is.
func escapeJSONString(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 1)
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c < 0x20 {
				b.WriteString(`\u00`)
				b.WriteByte(hexDigits[c/16])
				b.WriteByte(hexDigits[c%16])
			} else {
				b.WriteByte(c)
			}
		}
	}
	return b.String()
}
