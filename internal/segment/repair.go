package segment

import "strings"

// Repair closes a truncated JSON document: an unterminated string gets its
// closing quote, a dangling separator is dropped, and unmatched brackets and
// braces are closed in nesting order. It reports whether anything changed.
// The result may still be invalid JSON.
func Repair(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s, false
	}

	var closers []byte
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			closers = append(closers, '}')
		case '[':
			closers = append(closers, ']')
		case '}', ']':
			if len(closers) > 0 && closers[len(closers)-1] == c {
				closers = closers[:len(closers)-1]
			}
		}
	}

	if !inString && len(closers) == 0 {
		return s, false
	}

	var b strings.Builder
	b.Grow(len(s) + len(closers) + 2)
	out := s
	if inString {
		if escaped {
			out = out[:len(out)-1]
		}
		b.WriteString(out)
		b.WriteByte('"')
	} else {
		out = strings.TrimRight(out, " \t\r\n")
		switch {
		case strings.HasSuffix(out, ","):
			out = out[:len(out)-1]
		case strings.HasSuffix(out, ":"):
			out += "null"
		}
		b.WriteString(out)
	}
	for i := len(closers) - 1; i >= 0; i-- {
		b.WriteByte(closers[i])
	}
	return b.String(), true
}
