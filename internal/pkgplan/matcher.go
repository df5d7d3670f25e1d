package pkgplan

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher holds glob patterns compiled once at plan construction and is
// the only pattern-matching entry point; transaction execution never
// touches patterns.
type Matcher struct {
	patterns []*regexp.Regexp
}

// CompileMatcher compiles shell-style globs (*, ?) into anchored
// regexps.
func CompileMatcher(globs []string) (*Matcher, error) {
	m := &Matcher{}
	for _, glob := range globs {
		glob = strings.TrimSpace(glob)
		if glob == "" {
			continue
		}
		re, err := regexp.Compile("^" + globToRegexp(glob) + "$")
		if err != nil {
			return nil, fmt.Errorf("invalid package pattern %q: %w", glob, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Match reports whether the package name matches any compiled pattern.
func (m *Matcher) Match(name string) bool {
	for _, re := range m.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

func globToRegexp(glob string) string {
	var b strings.Builder
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}
