package monitor

import (
	"path/filepath"
	"strings"
)

// transientPatterns are editor and OS artifacts that are always ignored
// regardless of user configuration.
var transientPatterns = []string{
	"*.tmp",
	"*.temp",
	"*.swp",
	"*.swo",
	"*~",
	".DS_Store",
}

// ClassifierConfig is the static policy snapshot a Classifier is built from.
type ClassifierConfig struct {
	// ExcludeDirs are directory names that exclude everything beneath
	// them, matched against each path component (so "node_modules"
	// covers "a/node_modules/b.js").
	ExcludeDirs []string

	// AllowedExtensions, when non-empty, is an allow-list: any path whose
	// extension is not listed is ignored. Entries include the dot (".go").
	AllowedExtensions []string

	// IgnorePatterns are globs matched against both the basename and the
	// full path.
	IgnorePatterns []string
}

// Classifier decides whether a raw filesystem notification should be
// dropped before it reaches the debouncer. It is a pure function of the
// path and the configuration snapshot it was built with, safe for
// concurrent use.
type Classifier struct {
	excludeDirs map[string]struct{}
	allowedExts map[string]struct{}
	patterns    []string
}

// NewClassifier builds a Classifier from cfg. Duplicate entries are
// collapsed; transient patterns are always appended.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	c := &Classifier{
		excludeDirs: make(map[string]struct{}, len(cfg.ExcludeDirs)),
		allowedExts: make(map[string]struct{}, len(cfg.AllowedExtensions)),
	}
	for _, d := range cfg.ExcludeDirs {
		c.excludeDirs[d] = struct{}{}
	}
	for _, ext := range cfg.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.allowedExts[ext] = struct{}{}
	}

	seen := make(map[string]struct{}, len(cfg.IgnorePatterns)+len(transientPatterns))
	for _, p := range append(append([]string{}, cfg.IgnorePatterns...), transientPatterns...) {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		c.patterns = append(c.patterns, p)
	}
	return c
}

// ShouldIgnore reports whether path is excluded by policy: under an
// excluded directory, outside the extension allow-list, or matching an
// ignore glob (against basename or full path). Any matching check ignores
// the path; the order of checks carries no meaning.
func (c *Classifier) ShouldIgnore(path string) bool {
	cleaned := filepath.Clean(path)
	base := filepath.Base(cleaned)

	// Excluded directory anywhere in the path.
	for _, component := range strings.Split(cleaned, string(filepath.Separator)) {
		if _, ok := c.excludeDirs[component]; ok {
			return true
		}
	}

	// Extension allow-list, when configured.
	if len(c.allowedExts) > 0 {
		if _, ok := c.allowedExts[filepath.Ext(cleaned)]; !ok {
			return true
		}
	}

	// Ignore globs and built-in transient patterns.
	for _, pattern := range c.patterns {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, cleaned); matched {
			return true
		}
	}
	return false
}
