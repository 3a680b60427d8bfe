// Package ignore filters paths whose basename matches the tree's reserved
// metadata patterns, dropped at the source before they ever reach the
// coalescer or scanner.
package ignore

import (
	"path/filepath"

	"github.com/gobwas/glob"
)

// DefaultPatterns are the reserved metadata basename patterns.
var DefaultPatterns = []string{".zisync.meta", ".zstm*"}

// Matcher tests whether a path's basename is reserved metadata.
type Matcher struct {
	globs []glob.Glob
}

// New compiles patterns (basename globs, not full-path globs) into a
// Matcher. Passing nil uses DefaultPatterns.
func New(patterns []string) (*Matcher, error) {
	if patterns == nil {
		patterns = DefaultPatterns
	}
	m := &Matcher{globs: make([]glob.Glob, 0, len(patterns))}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, err
		}
		m.globs = append(m.globs, g)
	}
	return m, nil
}

// Ignored reports whether path's basename matches a reserved pattern.
func (m *Matcher) Ignored(path string) bool {
	base := filepath.Base(path)
	for _, g := range m.globs {
		if g.Match(base) {
			return true
		}
	}
	return false
}
