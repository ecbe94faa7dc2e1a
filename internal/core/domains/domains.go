// Package domains reduces referrer URLs and host strings to a stable root domain.
// Everything here is pure: no DNS, no I/O
package domains

import (
	"net/netip"
	"strings"

	"trafficnorm/internal/core/sanitize"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// DefaultExcluded are hosts never counted as external referrers
var DefaultExcluded = []string{"localhost", "127.0.0.1", "::1", "0.0.0.0"}

// Exclusions is an immutable set of hosts and root domains dropped by Referrer
type Exclusions struct {
	set map[string]struct{}
}

// NewExclusions returns DefaultExcluded plus the given self domains.
// Self domains may be URLs or subdomains; they are reduced to their root
func NewExclusions(self ...string) *Exclusions {
	ex := &Exclusions{set: make(map[string]struct{}, len(DefaultExcluded)+len(self))}
	for _, h := range DefaultExcluded {
		ex.set[h] = struct{}{}
	}
	for _, s := range self {
		if h, ok := Host(s); ok {
			ex.set[h] = struct{}{}
		}
		if d, ok := Domain(s); ok {
			ex.set[d] = struct{}{}
		}
	}
	return ex
}

// Contains reports whether host or root domain d is excluded
func (e *Exclusions) Contains(d string) bool {
	if e == nil {
		return false
	}
	_, ok := e.set[d]
	return ok
}

// Len is the number of excluded entries
func (e *Exclusions) Len() int {
	if e == nil {
		return 0
	}
	return len(e.set)
}

// NormalizeDomain is Domain over a nullable value
func NormalizeDomain(raw *string) *string {
	if raw == nil {
		return nil
	}
	d, ok := Domain(*raw)
	if !ok {
		return nil
	}
	return &d
}

// NormalizeReferrer is Referrer over a nullable value
func NormalizeReferrer(raw *string, ex *Exclusions) *string {
	if raw == nil {
		return nil
	}
	d, ok := Referrer(*raw, ex)
	if !ok {
		return nil
	}
	return &d
}

// Domain returns the registrable root domain of a URL or host.
// IP addresses come back in canonical form. Hosts without a registrable
// domain (single labels, bare public suffixes) come back lowercased as-is
func Domain(raw string) (string, bool) {
	h, ok := Host(raw)
	if !ok {
		return "", false
	}
	if isIP(h) {
		return h, true
	}
	h = strings.TrimPrefix(h, "www.")
	// a bare www prefix names no host
	if h == "" || h == "www" {
		return "", false
	}
	root, err := publicsuffix.EffectiveTLDPlusOne(h)
	if err != nil {
		return h, true
	}
	return root, true
}

// Referrer is Domain with excluded hosts and their roots mapped to not ok
func Referrer(raw string, ex *Exclusions) (string, bool) {
	h, ok := Host(raw)
	if !ok || ex.Contains(h) {
		return "", false
	}
	d, ok := Domain(raw)
	if !ok || ex.Contains(d) {
		return "", false
	}
	return d, true
}

// Host extracts the lowercase ASCII host from a URL or host string.
// Scheme, userinfo, port, path, query, fragment, brackets and a trailing dot are dropped
func Host(raw string) (string, bool) {
	s := strings.TrimSpace(sanitize.Sanitize(raw))
	if s == "" {
		return "", false
	}

	s = stripScheme(s)
	if i := strings.IndexAny(s, "/?#\\"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		s = s[i+1:]
	}
	if s == "" {
		return "", false
	}

	// [v6]:port or [v6]
	if s[0] == '[' {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", false
		}
		return canonicalIP(s[1:end])
	}
	// bare v6 has more than one colon
	if strings.Count(s, ":") > 1 {
		return canonicalIP(s)
	}
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		if !allDigits(s[i+1:]) {
			return "", false
		}
		s = s[:i]
	}

	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return "", false
	}
	if ip, ok := canonicalIP(s); ok {
		return ip, true
	}
	return asciiHost(s)
}

func stripScheme(s string) string {
	if strings.HasPrefix(s, "//") {
		return s[2:]
	}
	i := strings.Index(s, "://")
	if i <= 0 {
		return s
	}
	for j := 0; j < i; j++ {
		c := s[j]
		alpha := c|0x20 >= 'a' && c|0x20 <= 'z'
		if !alpha && (j == 0 || !(c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.')) {
			return s
		}
	}
	return s[i+3:]
}

func canonicalIP(s string) (string, bool) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", false
	}
	return addr.WithZone("").String(), true
}

// asciiHost lowercases and punycodes h, rejecting empty labels and
// characters that cannot appear in a hostname
func asciiHost(h string) (string, bool) {
	a, err := idna.Lookup.ToASCII(h)
	if err != nil {
		// tolerate ascii names the strict profile rejects, such as underscores
		if !isASCII(h) {
			return "", false
		}
		a = strings.ToLower(h)
	}
	if a == "" || len(a) > 253 {
		return "", false
	}
	for _, label := range strings.Split(a, ".") {
		if label == "" || len(label) > 63 {
			return "", false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
				return "", false
			}
		}
	}
	return a, true
}

func isIP(h string) bool {
	_, err := netip.ParseAddr(h)
	return err == nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
