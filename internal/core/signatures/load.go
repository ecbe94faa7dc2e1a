package signatures

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"trafficnorm/internal/core/sanitize"
	perr "trafficnorm/internal/platform/errors"

	"github.com/dlclark/regexp2"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yml
var embedded []byte

// File is the on-disk catalog document
type File struct {
	Version int        `yaml:"version" validate:"required,gte=1"`
	Name    string     `yaml:"name" validate:"required"`
	Rules   []FileRule `yaml:"rules" validate:"required,min=1,dive"`
}

// FileRule is one rule as written in the catalog document
type FileRule struct {
	Category string `yaml:"category" validate:"required,oneof=bot browser os device"`
	Pattern  string `yaml:"pattern,omitempty" validate:"required_without=Regex,excluded_with=Regex"`
	Regex    string `yaml:"regex,omitempty" validate:"required_without=Pattern"`
	Value    string `yaml:"value" validate:"required"`
	Priority *int   `yaml:"priority,omitempty" validate:"omitempty,gte=0"`
}

// Option tunes compilation
type Option func(*options)

type options struct {
	matchTimeout time.Duration
}

// WithMatchTimeout sets the per-evaluation regex timeout; zero or negative keeps the default
func WithMatchTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.matchTimeout = d
		}
	}
}

var (
	vOnce  sync.Once
	vInst  *validator.Validate
	vTrans ut.Translator
)

func validate() (*validator.Validate, ut.Translator) {
	vOnce.Do(func() {
		enLoc := en.New()
		uni := ut.New(enLoc, enLoc)
		vTrans, _ = uni.GetTranslator("en")

		vInst = validator.New(validator.WithRequiredStructEnabled())
		// yaml keys read better than Go field names in messages
		vInst.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("yaml")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})
		_ = en_translations.RegisterDefaultTranslations(vInst, vTrans)
	})
	return vInst, vTrans
}

// LoadEmbedded returns the catalog compiled into the binary
func LoadEmbedded(opts ...Option) (*Catalog, error) {
	return Parse(embedded, opts...)
}

// Embedded returns the raw built-in catalog document
func Embedded() []byte { return bytes.Clone(embedded) }

// Load reads the catalog at path. An empty path selects the built-in catalog
func Load(path string, opts ...Option) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return LoadEmbedded(opts...)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, perr.Wrapf(err, perr.ErrorCodeConfig, "signatures: catalog %q not found", path)
		}
		return nil, perr.Wrapf(err, perr.ErrorCodeConfig, "signatures: read catalog %q", path)
	}
	return Parse(b, opts...)
}

// Decode reads and validates a catalog document without compiling it
func Decode(b []byte) (*File, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, perr.Configf("signatures: catalog is empty")
	}

	var f File
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, perr.Wrap(err, perr.ErrorCodeConfig, "signatures: malformed catalog")
	}

	if problems := check(&f); len(problems) > 0 {
		return nil, perr.Configf("signatures: invalid catalog: %s", strings.Join(problems, "; "))
	}
	return &f, nil
}

// Parse decodes, validates and compiles a catalog document
func Parse(b []byte, opts ...Option) (*Catalog, error) {
	o := options{matchTimeout: DefaultMatchTimeout}
	for _, fn := range opts {
		fn(&o)
	}

	f, err := Decode(b)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(b)
	c := &Catalog{
		Version:     f.Version,
		Name:        f.Name,
		Fingerprint: hex.EncodeToString(sum[:]),
		byCat:       make(map[Category][]Rule, len(Categories)),
	}

	var problems []string
	pos := make(map[Category]int, len(Categories))
	for i, fr := range f.Rules {
		cat := Category(fr.Category)
		pos[cat]++

		r := Rule{
			Category: cat,
			Value:    strings.TrimSpace(fr.Value),
			Priority: pos[cat] * 10,
		}
		if fr.Priority != nil {
			r.Priority = *fr.Priority
		}

		if fr.Regex != "" {
			re, err := regexp2.Compile(fr.Regex, regexp2.IgnoreCase)
			if err != nil {
				problems = append(problems, fmt.Sprintf("rules[%d].regex: %v", i, err))
				continue
			}
			re.MatchTimeout = o.matchTimeout
			r.Regex = fr.Regex
			r.re = re
		} else {
			r.Pattern = sanitize.Key(fr.Pattern)
			if r.Pattern == "" {
				problems = append(problems, fmt.Sprintf("rules[%d].pattern: empty after normalization", i))
				continue
			}
		}

		c.byCat[cat] = append(c.byCat[cat], r)
	}
	if len(problems) > 0 {
		return nil, perr.Configf("signatures: invalid catalog: %s", strings.Join(problems, "; "))
	}

	for cat := range c.byCat {
		rs := c.byCat[cat]
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].Priority < rs[j].Priority })
	}
	return c, nil
}

// check runs struct validation plus the rules the tags cannot express
func check(f *File) []string {
	var problems []string

	v, trans := validate()
	if err := v.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []string{err.Error()}
		}
		for _, fe := range verrs {
			problems = append(problems, fieldPath(fe.Namespace())+": "+fe.Translate(trans))
		}
	}

	for i, fr := range f.Rules {
		if strings.TrimSpace(fr.Value) == "" && fr.Value != "" {
			problems = append(problems, fmt.Sprintf("rules[%d].value: blank", i))
		}
		if Category(fr.Category) == CategoryDevice && fr.Value != "" && !validDevice(strings.TrimSpace(fr.Value)) {
			problems = append(problems, fmt.Sprintf("rules[%d].value: device %q is not one of Desktop, Mobile, Tablet, Other", i, fr.Value))
		}
	}
	return problems
}

// fieldPath drops the struct type prefix from a validator namespace
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
