package filter

import (
	"fmt"
	"path"
	"strings"
)

// pattern is a compiled glob. "*" and "?" stay within one path segment,
// a "**" segment spans any number of segments, and "[!...]" negates a
// class. A leading or inner "/" anchors the pattern at the root;
// otherwise it may match any trailing run of segments. A trailing "/"
// restricts it to directories.
type pattern struct {
	text     string
	segs     []string
	anchored bool
	dirOnly  bool
}

func compilePattern(text string) (*pattern, error) {
	p := &pattern{text: text}
	s := text
	if strings.HasSuffix(s, "/") {
		p.dirOnly = true
		s = strings.TrimSuffix(s, "/")
	}
	if strings.HasPrefix(s, "/") {
		p.anchored = true
		s = strings.TrimPrefix(s, "/")
	} else if strings.Contains(s, "/") {
		p.anchored = true
	}
	if s == "" {
		return nil, fmt.Errorf("empty pattern %q", text)
	}

	for _, seg := range strings.Split(s, "/") {
		seg = strings.ReplaceAll(seg, "[!", "[^")
		if seg != "**" {
			if _, err := path.Match(seg, ""); err != nil {
				return nil, fmt.Errorf("pattern %q: %w", text, err)
			}
		}
		p.segs = append(p.segs, seg)
	}
	return p, nil
}

func (p *pattern) String() string { return p.text }

func (p *pattern) match(relPath string, isDir bool) bool {
	if p.dirOnly && !isDir {
		return false
	}
	parts := strings.Split(relPath, "/")
	if p.anchored {
		return matchSegments(p.segs, parts)
	}
	for i := range parts {
		if matchSegments(p.segs, parts[i:]) {
			return true
		}
	}
	return false
}

func matchSegments(segs, parts []string) bool {
	for len(segs) > 0 {
		if segs[0] == "**" {
			for i := 0; i <= len(parts); i++ {
				if matchSegments(segs[1:], parts[i:]) {
					return true
				}
			}
			return false
		}
		if len(parts) == 0 {
			return false
		}
		if ok, _ := path.Match(segs[0], parts[0]); !ok {
			return false
		}
		segs, parts = segs[1:], parts[1:]
	}
	return len(parts) == 0
}
