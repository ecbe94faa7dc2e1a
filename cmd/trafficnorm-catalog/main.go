// Command trafficnorm-catalog assembles the user-agent signature catalog from
// the fragment files under resources/signatures and validates the result
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"trafficnorm/internal/core/sanitize"
	"trafficnorm/internal/core/signatures"
	perr "trafficnorm/internal/platform/errors"

	"gopkg.in/yaml.v3"
)

const rootEnv = "TRAFFICNORM_SIGNATURES_ROOT"

// priorityStep spaces assigned priorities so hand edits can slot rules in between
const priorityStep = 10

// coreFile carries the catalog identity
type coreFile struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name"`
}

// fragmentFile is a rule list for one category. Rules may override the category
type fragmentFile struct {
	Category string                `yaml:"category"`
	Rules    []signatures.FileRule `yaml:"rules"`
}

// matomoBot is one entry of a Matomo device-detector style bots list
type matomoBot struct {
	Regex    string `yaml:"regex"`
	Name     string `yaml:"name"`
	Category string `yaml:"category,omitempty"`
	URL      string `yaml:"url,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fl := flag.NewFlagSet("trafficnorm-catalog", flag.ContinueOnError)
	fl.SetOutput(stderr)
	var (
		flagRoot = fl.String("root", "", "fragment directory (e.g. ./resources/signatures/1 or ./resources/signatures). If empty, auto-discover") //nolint:lll
		out      = fl.String("out", "./internal/core/signatures/catalog.yml", "output path or '-' for stdout")
		check    = fl.Bool("check", false, "assemble and validate only, write nothing")
		verbose  = fl.Bool("v", false, "verbose logging")
	)
	if err := fl.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return perr.ExitOK
		}
		return perr.ExitUsage
	}

	fail := func(err error) int {
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		return perr.ExitCode(err)
	}

	root, attempts, err := resolveRoot(strings.TrimSpace(*flagRoot))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "failed to locate signature fragments (looked in):\n")
		for _, a := range attempts {
			_, _ = fmt.Fprintf(stderr, "  - %s\n", a)
		}
		_, _ = fmt.Fprintf(stderr, "hint: run from the repo root or set %s\n", rootEnv)
		return fail(err)
	}
	if *verbose {
		_, _ = fmt.Fprintf(stderr, "using fragment root: %s\n", root)
	}

	doc, warnings, err := assemble(root)
	if err != nil {
		return fail(err)
	}
	for _, w := range warnings {
		_, _ = fmt.Fprintf(stderr, "warning: %s\n", w)
	}

	enc, err := render(doc)
	if err != nil {
		return fail(err)
	}
	cat, err := signatures.Parse(enc)
	if err != nil {
		return fail(err)
	}
	if *verbose || *check {
		_, _ = fmt.Fprintf(stderr, "catalog %s: %d rules (%s)\n", cat.Label(), cat.Len(), cat.Short())
	}
	if *check {
		return perr.ExitOK
	}

	if *out == "-" {
		if _, err := stdout.Write(enc); err != nil {
			return fail(err)
		}
		return perr.ExitOK
	}
	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		return fail(perr.Wrap(err, perr.ErrorCodeUnknown, "create output dir"))
	}
	if err := os.WriteFile(*out, enc, 0o644); err != nil { //nolint:gosec
		return fail(perr.Wrap(err, perr.ErrorCodeUnknown, "write catalog"))
	}
	if *verbose {
		_, _ = fmt.Fprintf(stderr, "wrote %s (%d bytes)\n", *out, len(enc))
	}
	return perr.ExitOK
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func hasCore(dir string) bool {
	return pathExists(filepath.Join(dir, "core.yml"))
}

func latestNumericSubdir(dir string) (string, bool) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	var nums []int
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if hasCore(filepath.Join(dir, e.Name())) {
			nums = append(nums, n)
		}
	}
	if len(nums) == 0 {
		return "", false
	}
	sort.Ints(nums)
	return filepath.Join(dir, strconv.Itoa(nums[len(nums)-1])), true
}

// resolveRoot tries the flag, then the env, then common locations.
// A parent directory resolves to its latest numeric subdir holding core.yml
func resolveRoot(flagRoot string) (string, []string, error) {
	var attempts []string
	try := func(p string) (string, bool) {
		if p == "" {
			return "", false
		}
		attempts = append(attempts, p)
		if hasCore(p) {
			return p, true
		}
		if sub, ok := latestNumericSubdir(p); ok {
			attempts = append(attempts, sub)
			return sub, true
		}
		return "", false
	}

	if root, ok := try(flagRoot); ok {
		return root, attempts, nil
	}
	if env := strings.TrimSpace(os.Getenv(rootEnv)); env != "" {
		if root, ok := try(env); ok {
			return root, attempts, nil
		}
	}
	for _, c := range []string{"./resources/signatures", "/app/resources/signatures"} {
		if root, ok := try(c); ok {
			return root, attempts, nil
		}
	}
	return "", attempts, perr.Configf("core.yml not found in any known location")
}

func findFragmentFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Base(path) == "core.yml" && filepath.Dir(path) == root {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yml", ".yaml":
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

func readYAML(path string, into any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeConfig, "read "+path)
	}
	if err := yaml.Unmarshal(b, into); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeConfig, "decode %s", path)
	}
	return nil
}

// readFragment loads either a category fragment or a Matomo style bots list
func readFragment(path string) ([]signatures.FileRule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeConfig, "read "+path)
	}
	var node yaml.Node
	if err := yaml.Unmarshal(b, &node); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeConfig, "decode %s", path)
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	if node.Content[0].Kind == yaml.SequenceNode {
		var bots []matomoBot
		if err := node.Decode(&bots); err != nil {
			return nil, perr.Wrapf(err, perr.ErrorCodeConfig, "decode bots list %s", path)
		}
		rules := make([]signatures.FileRule, 0, len(bots))
		for i, b := range bots {
			if strings.TrimSpace(b.Regex) == "" || strings.TrimSpace(b.Name) == "" {
				return nil, perr.Configf("%s[%d]: bots need regex and name", path, i)
			}
			rules = append(rules, signatures.FileRule{
				Category: string(signatures.CategoryBot),
				Regex:    b.Regex,
				Value:    strings.TrimSpace(b.Name),
			})
		}
		return rules, nil
	}

	var fr fragmentFile
	if err := node.Decode(&fr); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeConfig, "decode %s", path)
	}
	rules := make([]signatures.FileRule, 0, len(fr.Rules))
	for i, r := range fr.Rules {
		if r.Category == "" {
			r.Category = fr.Category
		}
		if r.Category == "" {
			return nil, perr.Configf("%s: rules[%d] has no category", path, i)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// ruleKey identifies a rule for de-duplication
func ruleKey(r signatures.FileRule) string {
	if r.Regex != "" {
		return r.Category + "\x00re\x00" + r.Regex
	}
	return r.Category + "\x00pat\x00" + sanitize.Key(r.Pattern)
}

// assemble merges every fragment under root into one catalog document.
// Rules keep fragment order inside a category; rules without a priority get
// one past the highest priority seen so far in that category
func assemble(root string) (signatures.File, []string, error) {
	var core coreFile
	if err := readYAML(filepath.Join(root, "core.yml"), &core); err != nil {
		return signatures.File{}, nil, err
	}
	if core.Name == "" {
		return signatures.File{}, nil, perr.Configf("core.yml has no name")
	}
	if core.Version <= 0 {
		return signatures.File{}, nil, perr.Configf("core.yml version must be >= 1")
	}

	paths, err := findFragmentFiles(root)
	if err != nil {
		return signatures.File{}, nil, perr.Wrap(err, perr.ErrorCodeConfig, "walk "+root)
	}
	if len(paths) == 0 {
		return signatures.File{}, nil, perr.Configf("no fragment files found under %s", root)
	}

	var warnings []string
	seen := map[string]string{}
	next := map[string]int{}
	byCat := map[string][]signatures.FileRule{}

	for _, p := range paths {
		rules, err := readFragment(p)
		if err != nil {
			return signatures.File{}, nil, err
		}
		rel, _ := filepath.Rel(root, p)
		for _, r := range rules {
			r.Value = strings.TrimSpace(r.Value)
			k := ruleKey(r)
			if first, dup := seen[k]; dup {
				warnings = append(warnings, fmt.Sprintf("%s: duplicate %s rule %q (first in %s) skipped", rel, r.Category, r.Value, first))
				continue
			}
			seen[k] = rel

			if r.Priority == nil {
				pr := next[r.Category] + priorityStep
				r.Priority = &pr
			}
			next[r.Category] = max(next[r.Category], *r.Priority)
			byCat[r.Category] = append(byCat[r.Category], r)
		}
	}

	doc := signatures.File{Version: core.Version, Name: core.Name}
	cats := make([]string, 0, len(byCat))
	for c := range byCat {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return catOrder(cats[i]) < catOrder(cats[j]) })
	for _, c := range cats {
		rs := byCat[c]
		sort.SliceStable(rs, func(i, j int) bool { return *rs[i].Priority < *rs[j].Priority })
		doc.Rules = append(doc.Rules, rs...)
	}
	return doc, warnings, nil
}

// catOrder sorts known categories in evaluation order and unknown ones last
func catOrder(c string) int {
	for i, k := range signatures.Categories {
		if string(k) == c {
			return i
		}
	}
	return len(signatures.Categories)
}

func render(doc signatures.File) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# Generated by cmd/trafficnorm-catalog. Edit the fragments under resources/signatures.\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeUnknown, "encode catalog")
	}
	if err := enc.Close(); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeUnknown, "encode catalog")
	}
	return buf.Bytes(), nil
}
