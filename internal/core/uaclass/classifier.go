// Package uaclass maps a raw user-agent string to browser, OS, device and bot flag
// using a signature catalog. Classification never fails; anything it cannot
// decide falls back to "Other" and is flagged on the result
package uaclass

import (
	"fmt"

	"trafficnorm/internal/core/sanitize"
	"trafficnorm/internal/core/signatures"
	"trafficnorm/internal/platform/logger"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Other is stored when a human client was seen but its family is unknown
const Other = "Other"

// Result is the classification of one user-agent
type Result struct {
	Browser *string
	OS      *string
	Device  string
	IsBot   bool

	// BotName is the label of the bot rule that fired, empty for humans
	BotName string
	// Fallback is set when some attribute could not be decided
	Fallback bool
}

// Options tunes a Classifier
type Options struct {
	// CacheSize is the LRU memo size keyed by the raw string; 0 disables it
	CacheSize int
}

// Classifier is safe for concurrent use
type Classifier struct {
	cat   *signatures.Catalog
	sets  map[signatures.Category]*ruleSet
	cache *lru.Cache[string, Result]
	log   *logger.Logger
}

type ruleSet struct {
	rules []signatures.Rule
	subs  *substringIndex
	// regex holds positions into rules of the regex rules, ascending
	regex []int
}

// New prepares matchers for every category of cat
func New(cat *signatures.Catalog, opts Options) (*Classifier, error) {
	if cat == nil {
		return nil, fmt.Errorf("uaclass: nil catalog")
	}
	c := &Classifier{
		cat:  cat,
		sets: make(map[signatures.Category]*ruleSet, len(signatures.Categories)),
		log:  logger.Named("uaclass"),
	}
	for _, category := range signatures.Categories {
		c.sets[category] = newRuleSet(cat.Rules(category))
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, Result](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("uaclass: cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

func newRuleSet(rules []signatures.Rule) *ruleSet {
	rs := &ruleSet{rules: rules, subs: newSubstringIndex()}
	for i, r := range rules {
		if r.IsRegex() {
			rs.regex = append(rs.regex, i)
			continue
		}
		rs.subs.add(r.Pattern, i)
	}
	rs.subs.build()
	return rs
}

// Catalog returns the catalog the classifier was built from
func (c *Classifier) Catalog() *signatures.Catalog { return c.cat }

// Classify classifies a nullable user-agent. nil and blank input yield
// a null browser and os, device Other and no bot flag
func (c *Classifier) Classify(ua *string) Result {
	if ua == nil {
		return nullResult()
	}
	return c.ClassifyString(*ua)
}

// ClassifyString classifies a user-agent value
func (c *Classifier) ClassifyString(raw string) (res Result) {
	if c.cache != nil {
		if hit, ok := c.cache.Get(raw); ok {
			return hit
		}
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Warn().Interface("panic", r).Int("len", len(raw)).Msg("classification panicked; using fallback")
			res = Result{Browser: strPtr(Other), OS: strPtr(Other), Device: signatures.DeviceOther, Fallback: true}
		}
	}()

	res = c.classify(raw)
	if c.cache != nil {
		c.cache.Add(raw, res)
	}
	return res
}

func (c *Classifier) classify(raw string) Result {
	clean := sanitize.Clean(raw)
	if clean == "" {
		return nullResult()
	}
	folded := sanitize.Fold(clean)

	bot, isBot, degraded := c.sets[signatures.CategoryBot].match(folded, clean)
	if isBot {
		return Result{Device: signatures.DeviceBot, IsBot: true, BotName: bot.Value, Fallback: degraded}
	}

	res := Result{}

	browser, okB, to := c.sets[signatures.CategoryBrowser].match(folded, clean)
	degraded = degraded || to
	osRule, okO, to := c.sets[signatures.CategoryOS].match(folded, clean)
	degraded = degraded || to
	device, okD, to := c.sets[signatures.CategoryDevice].match(folded, clean)
	degraded = degraded || to

	res.Browser = strPtr(Other)
	if okB {
		res.Browser = strPtr(browser.Value)
	}
	res.OS = strPtr(Other)
	if okO {
		res.OS = strPtr(osRule.Value)
	}

	switch {
	case okD:
		res.Device = device.Value
	case okB || okO:
		res.Device = signatures.DeviceDesktop
	default:
		res.Device = signatures.DeviceOther
	}

	res.Fallback = degraded || !okB || !okO
	return res
}

// match returns the first rule by priority that matches. timedOut reports a
// regex that hit its match timeout; that rule is treated as not matching
func (rs *ruleSet) match(folded, clean string) (signatures.Rule, bool, bool) {
	if rs == nil || len(rs.rules) == 0 {
		return signatures.Rule{}, false, false
	}
	best := rs.subs.first(folded)

	timedOut := false
	for _, i := range rs.regex {
		if best != -1 && i > best {
			break
		}
		ok, err := rs.rules[i].MatchFolded(folded, clean)
		if err != nil {
			timedOut = true
			continue
		}
		if ok {
			return rs.rules[i], true, timedOut
		}
	}
	if best == -1 {
		return signatures.Rule{}, false, timedOut
	}
	return rs.rules[best], true, timedOut
}

func nullResult() Result {
	return Result{Device: signatures.DeviceOther}
}

func strPtr(s string) *string { return &s }
