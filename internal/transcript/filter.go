package transcript

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultBlockedPatterns match text the backend tends to hallucinate from
// near-silent audio, such as channel outros and sponsor lines.
var DefaultBlockedPatterns = []string{
	`\bwww\.`,
	`\.com\b`,
	`\bengvid\b`,
	`\bsubscribe\b`,
	`\blike and subscribe\b`,
	`\bfree course\b`,
}

// PatternEmpty is reported for empty or whitespace-only text
const PatternEmpty = "empty"

// Filter decides whether a transcript should be suppressed
type Filter struct {
	patterns []*regexp.Regexp
}

// NewFilter compiles the default blocked patterns followed by extra.
// Matching is case-insensitive.
func NewFilter(extra []string) (*Filter, error) {
	all := make([]string, 0, len(DefaultBlockedPatterns)+len(extra))
	all = append(all, DefaultBlockedPatterns...)
	all = append(all, extra...)

	f := &Filter{patterns: make([]*regexp.Regexp, 0, len(all))}
	for _, p := range all {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}

	return f, nil
}

// Check reports whether text is unwanted and, if so, which pattern matched
func (f *Filter) Check(text string) (unwanted bool, pattern string) {
	if strings.TrimSpace(text) == "" {
		return true, PatternEmpty
	}

	for _, re := range f.patterns {
		if re.MatchString(text) {
			return true, strings.TrimPrefix(re.String(), "(?i)")
		}
	}

	return false, ""
}

// Patterns returns the source of every compiled pattern
func (f *Filter) Patterns() []string {
	out := make([]string, len(f.patterns))
	for i, re := range f.patterns {
		out[i] = strings.TrimPrefix(re.String(), "(?i)")
	}
	return out
}
