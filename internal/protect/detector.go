package protect

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/gobwas/glob"
)

// Kind names the rule family that produced a finding.
type Kind string

const (
	KindPattern  Kind = "pattern"
	KindKeyword  Kind = "keyword"
	KindFileType Kind = "file_type"
)

// Finding is one path in a ticket that hit a rule.
type Finding struct {
	Kind Kind   `json:"kind"`
	Path string `json:"path"`
	Rule string `json:"rule"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s (%s %s)", f.Path, f.Kind, f.Rule)
}

type pattern struct {
	raw string
	g   glob.Glob
}

// Detector checks paths and ticket text against sensitive-area rules.
// It is immutable after New and safe for concurrent use.
type Detector struct {
	patterns  []pattern
	keywords  []string
	fileTypes []string
}

// New builds a detector from the default rules plus extra.
func New(extra Rules) (*Detector, error) {
	rules := DefaultRules()
	rules.Patterns = append(rules.Patterns, extra.Patterns...)
	rules.Keywords = append(rules.Keywords, extra.Keywords...)
	rules.FileTypes = append(rules.FileTypes, extra.FileTypes...)

	d := &Detector{}
	for _, raw := range rules.Patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		g, err := glob.Compile(raw, '/')
		if err != nil {
			return nil, fmt.Errorf("compile protected pattern %q: %w", raw, err)
		}
		d.patterns = append(d.patterns, pattern{raw: raw, g: g})
	}
	for _, k := range rules.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			d.keywords = append(d.keywords, k)
		}
	}
	for _, ext := range rules.FileTypes {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		d.fileTypes = append(d.fileTypes, ext)
	}
	return d, nil
}

// CheckPath reports the first rule p hits. Patterns are tried before
// keywords, keywords before file types.
func (d *Detector) CheckPath(p string) (Finding, bool) {
	normalized := strings.TrimPrefix(strings.ReplaceAll(p, `\`, "/"), "./")
	rooted := "/" + strings.TrimPrefix(normalized, "/")
	for _, pt := range d.patterns {
		if pt.g.Match(normalized) || pt.g.Match(rooted) {
			return Finding{Kind: KindPattern, Path: p, Rule: pt.raw}, true
		}
	}

	lower := strings.ToLower(normalized)
	for _, k := range d.keywords {
		if strings.Contains(lower, k) {
			return Finding{Kind: KindKeyword, Path: p, Rule: k}, true
		}
	}

	ext := strings.ToLower(path.Ext(normalized))
	base := strings.ToLower(path.Base(normalized))
	for _, ft := range d.fileTypes {
		// Dotfiles like .env have no extension of their own.
		if ext == ft || base == ft {
			return Finding{Kind: KindFileType, Path: p, Rule: ft}, true
		}
	}
	return Finding{}, false
}

// Scan checks every path-like token in text. Prose words are not matched
// against keywords, so "fix the login form" raises nothing while
// "internal/login/form.go" does. Each path is reported once.
func (d *Detector) Scan(text string) []Finding {
	var out []Finding
	seen := make(map[string]bool)
	for _, tok := range pathTokens(text) {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		if f, ok := d.CheckPath(tok); ok {
			out = append(out, f)
		}
	}
	return out
}

func pathTokens(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune("`'\"()[]{}<>,;", r)
	})
	var out []string
	for _, f := range fields {
		f = strings.TrimRight(f, ".:!?")
		if looksLikePath(f) {
			out = append(out, f)
		}
	}
	return out
}

func looksLikePath(s string) bool {
	if len(s) < 2 || strings.Contains(s, "://") {
		return false
	}
	if strings.ContainsAny(s, `/\`) {
		return true
	}
	ext := path.Ext(s)
	if len(ext) < 2 {
		return false
	}
	for _, r := range ext[1:] {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
