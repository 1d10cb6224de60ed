package protocol

import (
	"fmt"
	"strings"
)

// CRLF terminates every line on the wire.
const CRLF = "\r\n"

var escaper = strings.NewReplacer(
	"%", "%25",
	"|", "%7C",
	"\r", "%0D",
	"\n", "%0A",
)

// Escape makes s safe to embed in a pipe-delimited line.
func Escape(s string) string {
	if !strings.ContainsAny(s, "%|\r\n") {
		return s
	}
	return escaper.Replace(s)
}

// Unescape reverses Escape. Unknown or truncated escapes are an error.
func Unescape(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+3 > len(s) {
			return "", fmt.Errorf("%w: truncated escape in %q", ErrMalformed, s)
		}
		switch s[i+1 : i+3] {
		case "25":
			b.WriteByte('%')
		case "7C", "7c":
			b.WriteByte('|')
		case "0D", "0d":
			b.WriteByte('\r')
		case "0A", "0a":
			b.WriteByte('\n')
		default:
			return "", fmt.Errorf("%w: unknown escape %q", ErrMalformed, s[i:i+3])
		}
		i += 2
	}
	return b.String(), nil
}

// TrimEOL strips a trailing CRLF or LF.
func TrimEOL(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}
