package main

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
)

// parseSize parses a human-readable size string into bytes.
// Supports formats: "100", "1K", "1MB", "1GiB", etc.
func parseSize(s string) (int64, error) {
	bytes, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(bytes), nil
}

// validateGlobPatterns checks that all patterns are valid doublestar
// patterns, which (unlike filepath.Match) support "**" for recursive
// directory matches such as "node_modules/**".
func validateGlobPatterns(patterns []string) error {
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("pattern %q: invalid glob syntax", pattern)
		}
	}
	return nil
}
