// Package glob implements the simple `*`/`?` wildcard matcher used
// throughout policy conditions to match agent ids and recipients.
package glob

import (
	"regexp"
	"strings"
	"sync"
)

var (
	cacheMu sync.RWMutex
	cache   = make(map[string]*regexp.Regexp)
)

// Match reports whether candidate matches pattern. `*` matches any
// zero-or-more characters, `?` matches exactly one character, every other
// character is literal. A malformed pattern degrades to literal equality
// rather than failing.
func Match(candidate, pattern string) bool {
	if pattern == candidate {
		return true
	}
	if pattern == "*" {
		return true
	}
	re, ok := compile(pattern)
	if !ok {
		return candidate == pattern
	}
	return re.MatchString(candidate)
}

// MatchAny reports whether candidate matches any of the given patterns.
// An empty pattern list matches nothing.
func MatchAny(candidate string, patterns []string) bool {
	for _, p := range patterns {
		if Match(candidate, p) {
			return true
		}
	}
	return false
}

func compile(pattern string) (*regexp.Regexp, bool) {
	cacheMu.RLock()
	re, ok := cache[pattern]
	cacheMu.RUnlock()
	if ok {
		return re, re != nil
	}

	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")

	compiled, err := regexp.Compile(b.String())

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if err != nil {
		cache[pattern] = nil
		return nil, false
	}
	cache[pattern] = compiled
	return compiled, true
}
