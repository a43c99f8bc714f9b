package tools

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/ShayCichocki/switchboard/internal/errors"
)

// DefaultScanLimit caps the files returned when no limit is given.
const DefaultScanLimit = 500

// skippedDirs are never descended into.
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".switchboard": true,
}

// ScanRequest selects files under Root.
type ScanRequest struct {
	Root    string   `json:"root"`
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// ScanResult lists matched files relative to the root.
type ScanResult struct {
	Root       string         `json:"root"`
	Files      []string       `json:"files"`
	Total      int            `json:"total"`
	Truncated  bool           `json:"truncated"`
	Extensions map[string]int `json:"extensions"`
}

func compileAll(field string, patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, errors.NewValidationError(field, fmt.Sprintf("bad pattern %q: %v", p, err))
		}
		out = append(out, g)
	}
	return out, nil
}

func matchAny(globs []glob.Glob, path string) bool {
	for _, g := range globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// ScanCodeBase walks the root and returns files matching any include
// pattern and no exclude pattern. Patterns use '/' as the separator and
// support ** across directories. Extension counts cover every match,
// including those past the limit.
func (s *Service) ScanCodeBase(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	root, err := s.resolveRoot(req.Root)
	if err != nil {
		return nil, err
	}
	include, err := compileAll("include", req.Include)
	if err != nil {
		return nil, err
	}
	exclude, err := compileAll("exclude", req.Exclude)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultScanLimit
	}

	res := &ScanResult{Root: root, Files: []string{}, Extensions: map[string]int{}}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != root && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if len(include) > 0 && !matchAny(include, rel) {
			return nil
		}
		if matchAny(exclude, rel) {
			return nil
		}

		res.Total++
		ext := strings.ToLower(filepath.Ext(rel))
		if ext == "" {
			ext = "(none)"
		}
		res.Extensions[ext]++
		if len(res.Files) < limit {
			res.Files = append(res.Files, rel)
		} else {
			res.Truncated = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	sort.Strings(res.Files)
	return res, nil
}

// resolveRoot keeps scans inside the configured root.
func (s *Service) resolveRoot(requested string) (string, error) {
	base := s.root
	if base == "" {
		base = "."
	}
	base, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	if requested == "" {
		return base, nil
	}

	target := requested
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, target)
	}
	target = filepath.Clean(target)
	if s.root != "" {
		rel, err := filepath.Rel(base, target)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", errors.NewValidationError("root", fmt.Sprintf("%q is outside %s", requested, base))
		}
	}
	return target, nil
}
