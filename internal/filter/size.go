package filter

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSize parses sizes such as "512", "64K", "1.5G", "10MB" or "2GiB".
// A bare single-letter unit (K, M, G, T) is binary, as in rsync; spelled
// out units follow their usual SI or IEC meaning.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	in := s
	if last := s[len(s)-1]; strings.ContainsRune("kKmMgGtT", rune(last)) {
		in = s + "iB"
	}
	n, err := humanize.ParseBytes(in)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %q out of range", s)
	}
	return int64(n), nil
}
