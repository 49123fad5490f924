// Package cli provides helpers shared by the flowseal commands.
package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Pattern errors
var (
	ErrInvalidPattern = errors.New("cli: invalid pattern")
	ErrNoMatch        = errors.New("cli: no site matches")
)

// ExpandPattern expands a site pattern against the available sites.
// Patterns containing glob characters (*?[{) are matched with doublestar
// semantics, where "**" also crosses '/'; anything else must name a site
// exactly.
func ExpandPattern(pattern string, sites []string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}

	if !strings.ContainsAny(pattern, "*?[{") {
		for _, site := range sites {
			if site == pattern {
				return []string{pattern}, nil
			}
		}
		return nil, fmt.Errorf("%w: %q is not configured", ErrNoMatch, pattern)
	}

	var matches []string
	for _, site := range sites {
		matched, err := doublestar.Match(pattern, site)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, pattern, err)
		}
		if matched {
			matches = append(matches, site)
		}
	}

	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: pattern %q", ErrNoMatch, pattern)
	}
	return matches, nil
}

// ExpandPatterns expands every pattern and returns the union, ordered as
// the sites appear in the input. No patterns selects every site.
func ExpandPatterns(patterns []string, sites []string) ([]string, error) {
	if len(patterns) == 0 {
		return append([]string(nil), sites...), nil
	}

	selected := make(map[string]bool)
	for _, pattern := range patterns {
		matches, err := ExpandPattern(pattern, sites)
		if err != nil {
			return nil, err
		}
		for _, site := range matches {
			selected[site] = true
		}
	}

	result := make([]string, 0, len(selected))
	for _, site := range sites {
		if selected[site] {
			result = append(result, site)
			delete(selected, site)
		}
	}
	return result, nil
}
