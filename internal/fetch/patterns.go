package fetch

import (
	"strings"

	"github.com/danwakefield/fnmatch"
)

// ExclusionPrefix negates a pattern: a filename matching an excluded pattern
// is rejected even when an inclusion pattern matched it.
const ExclusionPrefix = "!"

// MatchesPatterns reports whether filename is selected by the pattern list.
// Patterns are shell-style globs, matched case-insensitively; the list is an
// allow-list, so a filename matching no inclusion pattern is excluded, and
// any matching "!"-prefixed pattern excludes it regardless of inclusions.
func MatchesPatterns(filename string, patterns []string) bool {
	if filename == "" || len(patterns) == 0 {
		return false
	}

	included := false
	for _, pattern := range patterns {
		if strings.HasPrefix(pattern, ExclusionPrefix) {
			continue
		}
		if fnmatch.Match(pattern, filename, fnmatch.FNM_CASEFOLD) {
			included = true
			break
		}
	}
	if !included {
		return false
	}

	for _, pattern := range patterns {
		if !strings.HasPrefix(pattern, ExclusionPrefix) {
			continue
		}
		if fnmatch.Match(strings.TrimPrefix(pattern, ExclusionPrefix), filename, fnmatch.FNM_CASEFOLD) {
			return false
		}
	}
	return true
}

// FilterAssets returns the asset names selected by the pattern list,
// preserving input order.
func FilterAssets(names []string, patterns []string) []string {
	var selected []string
	for _, name := range names {
		if MatchesPatterns(name, patterns) {
			selected = append(selected, name)
		}
	}
	return selected
}
