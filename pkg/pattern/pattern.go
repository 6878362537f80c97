// Package pattern compiles the user-supplied regular expressions used by the
// filter expression language, rule conditions and safelists.
//
// Patterns use backtracking syntax (lookarounds, inline flags) and are always
// matched case-insensitively as an unanchored search.
package pattern

import (
	"errors"
	"time"
	"unicode"

	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultTimeout bounds a single match so a pathological pattern cannot stall
// the stream.
const DefaultTimeout = 250 * time.Millisecond

// Regex is a compiled case-insensitive search pattern.
type Regex struct {
	re *regexp2.Regexp
}

// CacheSize bounds the compiled-pattern cache shared by every caller.
const CacheSize = 4096

var compiled = mustCache(CacheSize)

func mustCache(n int) *lru.Cache[string, *Regex] {
	c, err := lru.New[string, *Regex](n)
	if err != nil {
		panic(err)
	}
	return c
}

// Compile compiles p with IgnoreCase and DefaultTimeout. Successful
// compilations are kept in a bounded LRU keyed by source, so a repeated
// source returns the same *Regex. Errors are not cached.
func Compile(p string) (*Regex, error) {
	if r, ok := compiled.Get(p); ok {
		return r, nil
	}
	re, err := regexp2.Compile(p, regexp2.IgnoreCase)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = DefaultTimeout
	r := &Regex{re: re}
	compiled.Add(p, r)
	return r, nil
}

// MustCompile is Compile that panics; for tests and fixed patterns.
func MustCompile(p string) *Regex {
	r, err := Compile(p)
	if err != nil {
		panic(err)
	}
	return r
}

// ErrNilPattern is returned when searching with a nil Regex.
var ErrNilPattern = errors.New("pattern: nil regex")

// Search reports whether the pattern matches anywhere in s.
func (r *Regex) Search(s string) (bool, error) {
	if r == nil || r.re == nil {
		return false, ErrNilPattern
	}
	return r.re.MatchString(s)
}

// String returns the source pattern.
func (r *Regex) String() string {
	if r == nil || r.re == nil {
		return ""
	}
	return r.re.String()
}

// Escape quotes every metacharacter in s.
func Escape(s string) string { return regexp2.Escape(s) }

var metaChars = map[rune]struct{}{
	'.': {}, '*': {}, '?': {}, '+': {}, '[': {}, ']': {}, '^': {}, '$': {},
	'\\': {}, '(': {}, ')': {}, '|': {}, '{': {}, '}': {},
}

// IsPlainASCII reports whether p has no regex metacharacters and only ASCII
// runes, so a case-insensitive substring search is equivalent to the regex.
func IsPlainASCII(p string) bool {
	if p == "" {
		return false
	}
	for _, c := range p {
		if c > unicode.MaxASCII {
			return false
		}
		if _, bad := metaChars[c]; bad {
			return false
		}
	}
	return true
}
