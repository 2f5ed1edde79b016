package config

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/dustin/go-humanize"
)

// ParseSize reads a byte size. Single letter suffixes are binary, so "512k"
// is 512 KiB. Explicit units like "10MB" or "1GiB" keep their humanize
// meaning.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	if last := rune(s[len(s)-1]); unicode.IsLetter(last) && !unicode.IsLetter(rune(s[max(len(s)-2, 0)])) {
		switch unicode.ToLower(last) {
		case 'k', 'm', 'g', 't':
			s += "iB"
		}
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(n), nil
}

// ParseRate reads a download rate in bytes per second. "0", "off" and
// "unlimited" disable the limit and return 0.
func ParseRate(s string) (int64, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "off", "unlimited", "none":
		return 0, nil
	}
	n, err := ParseSize(strings.TrimSuffix(strings.TrimSpace(s), "/s"))
	if err != nil {
		return 0, fmt.Errorf("invalid rate limit: %w", err)
	}
	return n, nil
}

// FormatRate renders a bytes per second value for humans.
func FormatRate(bps int64) string {
	if bps <= 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(bps)) + "/s"
}
