package config

import (
	"fmt"
	"strings"
)

// ParseSize parses a human-readable size string to bytes.
// Supports formats: "100", "500kb", "1mb", "1gb", "512kib", "10mib", "1gib"
// (case insensitive). kb/mb/gb are decimal; kib/mib/gib are binary.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	s = strings.ToLower(s)

	multiplier := int64(1)
	numStr := s

	suffixes := []struct {
		suffix string
		mult   int64
	}{
		{"kib", 1 << 10},
		{"mib", 1 << 20},
		{"gib", 1 << 30},
		{"kb", 1_000},
		{"mb", 1_000_000},
		{"gb", 1_000_000_000},
		{"b", 1},
	}
	for _, sf := range suffixes {
		if strings.HasSuffix(s, sf.suffix) {
			multiplier = sf.mult
			numStr = s[:len(s)-len(sf.suffix)]
			break
		}
	}

	numStr = strings.TrimSpace(numStr)
	if numStr == "" {
		return 0, fmt.Errorf("invalid size value: %q", s)
	}

	var value float64
	if _, err := fmt.Sscanf(numStr, "%f", &value); err != nil {
		return 0, fmt.Errorf("invalid size value: %q", s)
	}

	if value < 0 {
		return 0, fmt.Errorf("size cannot be negative: %q", s)
	}

	return int64(value * float64(multiplier)), nil
}
