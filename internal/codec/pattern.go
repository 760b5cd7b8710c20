package codec

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dlclark/regexp2"
)

// Pattern is a regular expression in ECMAScript syntax. It matches the
// same inputs on both sides of the boundary.
type Pattern struct {
	Source string
	Flags  string

	re *regexp2.Regexp
}

// NewPattern compiles source with the given flags
func NewPattern(source, flags string) (*Pattern, error) {
	var opts regexp2.RegexOptions = regexp2.ECMAScript
	for _, f := range flags {
		switch f {
		case 'i':
			opts |= regexp2.IgnoreCase
		case 'm':
			opts |= regexp2.Multiline
		case 's':
			opts |= regexp2.Singleline
		case 'u':
			opts |= regexp2.Unicode
		case 'g', 'y', 'd', 'v':
			// stateful flags do not change what matches
		default:
			return nil, fmt.Errorf("invalid regular expression flag %q", f)
		}
	}

	re, err := regexp2.Compile(source, opts)
	if err != nil {
		return nil, fmt.Errorf("invalid regular expression /%s/: %w", source, err)
	}
	return &Pattern{Source: source, Flags: flags, re: re}, nil
}

// MustPattern is NewPattern that panics on invalid input
func MustPattern(source, flags string) *Pattern {
	p, err := NewPattern(source, flags)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePattern compiles a literal of the form /source/flags
func ParsePattern(literal string) (*Pattern, error) {
	if len(literal) < 2 || literal[0] != '/' {
		return nil, fmt.Errorf("invalid regular expression literal %q", literal)
	}
	end := strings.LastIndexByte(literal, '/')
	if end == 0 {
		return nil, fmt.Errorf("invalid regular expression literal %q", literal)
	}
	return NewPattern(literal[1:end], literal[end+1:])
}

// PatternFromRegexp converts a Go regular expression. Go syntax is close
// enough to ECMAScript for the common subset.
func PatternFromRegexp(re *regexp.Regexp) (*Pattern, error) {
	return NewPattern(re.String(), "")
}

// MatchString reports whether s contains a match
func (p *Pattern) MatchString(s string) bool {
	if p == nil || p.re == nil {
		return false
	}
	ok, err := p.re.MatchString(s)
	return err == nil && ok
}

// FindString returns the leftmost match in s, or "" when none
func (p *Pattern) FindString(s string) string {
	if p == nil || p.re == nil {
		return ""
	}
	m, err := p.re.FindStringMatch(s)
	if err != nil || m == nil {
		return ""
	}
	return m.String()
}

// String returns the literal form /source/flags
func (p *Pattern) String() string {
	return "/" + p.Source + "/" + p.Flags
}
