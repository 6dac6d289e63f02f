package project

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// expandPattern resolves pattern against baseDir and returns the canonical
// paths of the regular files it matches, sorted. Names starting with a dot
// only match a final pattern segment that starts with a dot, and ** does not
// descend into dot directories.
func expandPattern(pattern, baseDir string) ([]string, error) {
	info, err := os.Stat(baseDir)
	if err != nil {
		return nil, errors.WithStack(&FileSystemError{Path: baseDir, Err: err})
	}
	if !info.IsDir() {
		return nil, errors.WithStack(&FileSystemError{Path: baseDir, Err: errors.New("not a directory")})
	}

	full := filepath.FromSlash(pattern)
	if !filepath.IsAbs(full) {
		full = filepath.Join(baseDir, full)
	}

	var matches []string
	if strings.Contains(full, "**") {
		matches, err = expandDoubleStar(full)
	} else {
		matches, err = filepath.Glob(full)
	}
	if err != nil {
		return nil, configErrorf(pattern, "invalid pattern: %v", err)
	}

	hiddenOK := strings.HasPrefix(filepath.Base(full), ".")
	seen := make(map[string]bool, len(matches))
	var result []string
	for _, m := range matches {
		if !hiddenOK && strings.HasPrefix(filepath.Base(m), ".") {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		c := canonicalPath(m)
		if seen[c] {
			continue
		}
		seen[c] = true
		result = append(result, c)
	}
	sort.Strings(result)
	return result, nil
}

// canonicalPath makes p absolute and evaluates symlinks so that two spellings
// of one file compare equal. Falls back to the cleaned absolute path.
func canonicalPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		abs = filepath.Clean(p)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// expandDoubleStar handles patterns with a ** segment by walking the tree
// below the static prefix. A missing prefix directory yields no matches.
func expandDoubleStar(pattern string) ([]string, error) {
	parts := strings.SplitN(pattern, "**", 2)
	dir := filepath.Clean(parts[0])
	suffix := strings.TrimPrefix(parts[1], string(filepath.Separator))

	if _, err := filepath.Match(suffix, ""); err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, nil
	}

	var results []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		if matchSuffix(rel, suffix) {
			results = append(results, path)
		}
		return nil
	})
	return results, err
}

// matchSuffix matches the part of a ** pattern after the ** against the
// trailing segments of rel.
func matchSuffix(rel, suffix string) bool {
	if suffix == "" {
		return true
	}
	relParts := strings.Split(rel, string(filepath.Separator))
	sufParts := strings.Split(suffix, string(filepath.Separator))
	if len(sufParts) > len(relParts) {
		return false
	}
	tail := relParts[len(relParts)-len(sufParts):]
	for i, p := range sufParts {
		if ok, _ := filepath.Match(p, tail[i]); !ok {
			return false
		}
	}
	return true
}
