package filter

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadFile appends the rules in path to the chain. One rule per line:
// "+ PATTERN" includes, "- PATTERN" or a bare pattern excludes. Blank
// lines and lines starting with "#" are ignored.
func (c *Chain) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open filter file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if err := c.addLine(text); err != nil {
			return fmt.Errorf("%s:%d: %w", path, line, err)
		}
	}
	return sc.Err()
}

func (c *Chain) addLine(text string) error {
	switch {
	case strings.HasPrefix(text, "+ "):
		return c.AddInclude(strings.TrimSpace(text[2:]))
	case strings.HasPrefix(text, "- "):
		return c.AddExclude(strings.TrimSpace(text[2:]))
	default:
		return c.AddExclude(text)
	}
}
