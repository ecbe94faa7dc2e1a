// Package signatures holds the ordered user-agent signature catalog.
// A Catalog is built once at startup, validated, and then only read
package signatures

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// Category groups rules by the attribute they decide
type Category string

const (
	// CategoryBot rules mark automated traffic
	CategoryBot Category = "bot"
	// CategoryBrowser rules name the client family
	CategoryBrowser Category = "browser"
	// CategoryOS rules name the platform
	CategoryOS Category = "os"
	// CategoryDevice rules name the form factor
	CategoryDevice Category = "device"
)

// Categories lists every category in evaluation order
var Categories = []Category{CategoryBot, CategoryDevice, CategoryBrowser, CategoryOS}

// Device values a device rule may produce. Bot is reserved for bot matches
const (
	DeviceDesktop = "Desktop"
	DeviceMobile  = "Mobile"
	DeviceTablet  = "Tablet"
	DeviceBot     = "Bot"
	DeviceOther   = "Other"
)

// DefaultMatchTimeout bounds a single regex evaluation
const DefaultMatchTimeout = 50 * time.Millisecond

// Rule is one catalog entry. Exactly one of Pattern or Regex is set
type Rule struct {
	Category Category
	Value    string
	Priority int

	// Pattern is a case-folded substring
	Pattern string
	// Regex is the source expression, compiled case-insensitive
	Regex string

	re *regexp2.Regexp
}

// IsRegex reports whether the rule is a regex rule
func (r Rule) IsRegex() bool { return r.re != nil }

// MatchFolded tests a substring rule against folded input, or a regex rule against s.
// The error is non-nil only when a regex hit its match timeout
func (r Rule) MatchFolded(folded, s string) (bool, error) {
	if r.re == nil {
		return r.Pattern != "" && strings.Contains(folded, r.Pattern), nil
	}
	return r.re.MatchString(s)
}

// Catalog is an immutable, validated set of rules ordered by priority within each category
type Catalog struct {
	Version     int
	Name        string
	Fingerprint string

	byCat map[Category][]Rule
}

// Rules returns the ordered rules of one category. The slice is shared and must not be modified
func (c *Catalog) Rules(cat Category) []Rule {
	if c == nil {
		return nil
	}
	return c.byCat[cat]
}

// All returns every rule in category evaluation order, copied
func (c *Catalog) All() []Rule {
	if c == nil {
		return nil
	}
	out := make([]Rule, 0, c.Len())
	for _, cat := range Categories {
		out = append(out, c.byCat[cat]...)
	}
	return out
}

// Len is the total number of rules
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, rs := range c.byCat {
		n += len(rs)
	}
	return n
}

// Count returns the number of rules in one category
func (c *Catalog) Count(cat Category) int { return len(c.Rules(cat)) }

// Short returns a short fingerprint for log lines
func (c *Catalog) Short() string {
	if c == nil || len(c.Fingerprint) < 12 {
		return ""
	}
	return c.Fingerprint[:12]
}

// Label identifies the catalog in logs and run history, e.g. "builtin@v3"
func (c *Catalog) Label() string {
	if c == nil {
		return ""
	}
	return c.Name + "@v" + strconv.Itoa(c.Version)
}

func validDevice(v string) bool {
	return slices.Contains([]string{DeviceDesktop, DeviceMobile, DeviceTablet, DeviceOther}, v)
}
