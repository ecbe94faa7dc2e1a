// Package sanitize cleans free-form header strings before they are matched
// Pipeline order
// 1 drop control characters and invalid UTF-8
// 2 Unicode NFKC normalization
// 3 remove format characters (ZWJ, ZWNJ, BOM)
// 4 width fold fullwidth to ASCII
// 5 collapse whitespace to single spaces and trim
// 6 cap the length at MaxLen bytes on a rune boundary
package sanitize

import (
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// MaxLen bounds the cleaned string; real user agents stay well under it
const MaxLen = 1024

// pool of fresh transformer chains
var chainPool = sync.Pool{
	New: func() any {
		return transform.Chain(
			norm.NFKC,
			runes.Remove(runes.In(unicode.Cf)),
			width.Fold,
		)
	},
}

var folderPool = sync.Pool{
	New: func() any { c := cases.Fold(); return &c },
}

// Clean returns s with the pipeline above applied; it is idempotent
func Clean(s string) string {
	if s == "" {
		return ""
	}
	s = Sanitize(s)

	if !isPlainASCII(s) {
		tr := chainPool.Get().(transform.Transformer)
		ns, _, err := transform.String(tr, s)
		tr.Reset()
		chainPool.Put(tr)
		if err == nil {
			s = ns
		}
	}

	s = collapseSpaces(s)
	return truncate(s, MaxLen)
}

// Fold case folds a cleaned string for case-insensitive matching
func Fold(s string) string {
	if isPlainASCII(s) {
		return strings.ToLower(s)
	}
	c := folderPool.Get().(*cases.Caser)
	out := c.String(s)
	folderPool.Put(c)
	return out
}

// Key is Clean followed by Fold
func Key(s string) string { return Fold(Clean(s)) }

func isPlainASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// collapseSpaces converts whitespace runs to a single ASCII space and trims the edges
func collapseSpaces(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inWS := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inWS = true
			continue
		}
		if inWS && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inWS = false
		b.WriteRune(r)
	}
	return b.String()
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
