// Package filter decides which source paths a backup leaves out, using
// rsync-style include/exclude rules and optional size limits.
package filter

import (
	"os"
	"path/filepath"
	"strings"
)

// Rule is one include or exclude pattern.
type Rule struct {
	Pattern *pattern
	Include bool
}

// Chain is an ordered rule list; the first rule that matches a path
// decides it. Paths no rule matches are included.
type Chain struct {
	rules   []Rule
	minSize int64
	maxSize int64
}

// NewChain creates an empty chain that includes everything.
func NewChain() *Chain {
	return &Chain{}
}

// AddExclude appends an exclude rule.
func (c *Chain) AddExclude(p string) error {
	return c.add(p, false)
}

// AddInclude appends an include rule.
func (c *Chain) AddInclude(p string) error {
	return c.add(p, true)
}

func (c *Chain) add(p string, include bool) error {
	cp, err := compilePattern(p)
	if err != nil {
		return err
	}
	c.rules = append(c.rules, Rule{Pattern: cp, Include: include})
	return nil
}

// SetMinSize leaves out regular files smaller than n bytes.
func (c *Chain) SetMinSize(n int64) { c.minSize = n }

// SetMaxSize leaves out regular files larger than n bytes.
func (c *Chain) SetMaxSize(n int64) { c.maxSize = n }

// Empty reports whether the chain includes everything.
func (c *Chain) Empty() bool {
	return len(c.rules) == 0 && c.minSize == 0 && c.maxSize == 0
}

// Match reports whether relPath (slash-separated, relative to the backup
// root) is included. Size limits apply to regular files only.
func (c *Chain) Match(relPath string, isDir bool, size int64) bool {
	if !isDir {
		if c.minSize > 0 && size < c.minSize {
			return false
		}
		if c.maxSize > 0 && size > c.maxSize {
			return false
		}
	}
	for _, r := range c.rules {
		if r.Pattern.match(relPath, isDir) {
			return r.Include
		}
	}
	return true
}

// Exclude returns a predicate over absolute paths beneath root, suitable
// for engine.Callbacks.Exclude. root must be canonical. Paths that cannot
// be stat'ed are never excluded; the copier reports them as vanished.
func (c *Chain) Exclude(root string) func(path string) bool {
	if c.Empty() {
		return nil
	}
	return func(path string) bool {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
			return false
		}
		info, err := os.Lstat(path)
		if err != nil {
			return false
		}
		return !c.Match(filepath.ToSlash(rel), info.IsDir(), info.Size())
	}
}
