// Package config reads settings from environment variables under a prefix,
// e.g. CORE_NORMALIZE_ for pipeline knobs and SERVICE_PGSQL_ for postgres
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	perr "trafficnorm/internal/platform/errors"
	"trafficnorm/internal/platform/logger"
)

// Conf is a namespaced view over the environment. The zero value has no prefix
type Conf struct{ prefix string }

// New returns the root view
func New() Conf { return Conf{} }

// Prefix returns a child view, e.g. cfg.Prefix("SERVICE_PGSQL_")
func (c Conf) Prefix(p string) Conf { return Conf{prefix: c.prefix + p} }

// Key returns the full variable name for key
func (c Conf) Key(key string) string { return c.prefix + key }

// lookup returns the trimmed value and whether it is non empty
func (c Conf) lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(c.Key(key)))
	return v, v != ""
}

// invalid logs a value that could not be parsed; the caller falls back to def
func (c Conf) invalid(key, value, kind string, def any) {
	logger.Get().Warn().
		Str("key", c.Key(key)).
		Str("value", value).
		Interface("default", def).
		Msgf("invalid %s, using default", kind)
}

// String returns a required value. A missing one is a config error
func (c Conf) String(key string) (string, error) {
	v, ok := c.lookup(key)
	if !ok {
		return "", perr.Configf("%s is not set", c.Key(key))
	}
	return v, nil
}

// MayString returns the value or def when unset
func (c Conf) MayString(key, def string) string {
	if v, ok := c.lookup(key); ok {
		return v
	}
	return def
}

// MayInt returns the value or def when unset or not an int
func (c Conf) MayInt(key string, def int) int {
	s, ok := c.lookup(key)
	if !ok {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		c.invalid(key, s, "int", def)
		return def
	}
	return v
}

// MayBool returns the value or def when unset or not a bool
func (c Conf) MayBool(key string, def bool) bool {
	s, ok := c.lookup(key)
	if !ok {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		c.invalid(key, s, "bool", def)
		return def
	}
	return v
}

// MayDuration returns the value or def when unset or not a duration like 90s
func (c Conf) MayDuration(key string, def time.Duration) time.Duration {
	s, ok := c.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		c.invalid(key, s, "duration", def.String())
		return def
	}
	return d
}

// MayCSV splits a comma separated value, dropping blanks. def when nothing is left
func (c Conf) MayCSV(key string, def []string) []string {
	s, ok := c.lookup(key)
	if !ok {
		return def
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
