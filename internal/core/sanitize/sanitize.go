package sanitize

import (
	"strings"
	"unicode/utf8"
)

// Sanitize drops ASCII and C1 controls, DEL and invalid UTF-8 bytes. Tab, CR
// and LF become a space. s is returned as is when there is nothing to drop
func Sanitize(s string) string {
	i := firstDirty(s)
	if i < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	b.WriteString(s[:i])
	for i < len(s) {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == '\t', r == '\n', r == '\r':
			b.WriteByte(' ')
		case !dirty(r, size):
			b.WriteString(s[i : i+size])
		}
		i += size
	}
	return b.String()
}

func dirty(r rune, size int) bool {
	switch {
	case r < 0x20, r == 0x7F:
		return true
	case r >= 0x80 && r <= 0x9F:
		return true
	default:
		return r == utf8.RuneError && size == 1
	}
}

func firstDirty(s string) int {
	for i := 0; i < len(s); {
		if c := s[i]; c >= 0x20 && c < 0x7F {
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if dirty(r, size) {
			return i
		}
		i += size
	}
	return -1
}
