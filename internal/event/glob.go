package event

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern is one compiled filter pattern. A leading "!" negates: when
// the pattern matches, it revokes a match made by an earlier positive
// pattern in the same filter list.
type Pattern struct {
	Raw    string
	Negate bool
	re     *regexp.Regexp
}

// CompilePattern translates one workflow filter pattern. The dialect is
// not filepath.Match: "*" matches within one path segment, "**" crosses
// segments, "?" and "+" quantify the preceding character, "[...]" is a
// character class, and "\" escapes the next character.
func CompilePattern(raw string) (Pattern, error) {
	p := Pattern{Raw: raw}
	body := raw
	if strings.HasPrefix(body, "!") {
		p.Negate = true
		body = body[1:]
	}
	if body == "" {
		return Pattern{}, fmt.Errorf("empty filter pattern %q", raw)
	}
	expr, err := translate(body)
	if err != nil {
		return Pattern{}, fmt.Errorf("pattern %q: %w", raw, err)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("pattern %q: %w", raw, err)
	}
	p.re = re
	return p, nil
}

// Match reports whether the pattern body matches s. Negation is the
// filter's business, not the pattern's.
func (p Pattern) Match(s string) bool {
	return p.re.MatchString(s)
}

func translate(pattern string) (string, error) {
	var b strings.Builder
	b.WriteByte('^')
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString(`[^/]*`)
			}
		case '?', '+':
			if i == 0 {
				return "", fmt.Errorf("%q quantifies nothing", string(c))
			}
			b.WriteByte(c)
		case '[':
			end := strings.IndexByte(pattern[i+1:], ']')
			if end < 0 {
				return "", fmt.Errorf("unterminated character class")
			}
			b.WriteString(pattern[i : i+end+2])
			i += end + 1
		case '\\':
			if i+1 >= len(pattern) {
				return "", fmt.Errorf("trailing escape")
			}
			i++
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteByte('$')
	return b.String(), nil
}

// Filter is an ordered pattern list.
type Filter struct {
	patterns []Pattern
}

func CompileFilter(raw []string) (Filter, error) {
	f := Filter{patterns: make([]Pattern, 0, len(raw))}
	for _, r := range raw {
		p, err := CompilePattern(r)
		if err != nil {
			return Filter{}, err
		}
		f.patterns = append(f.patterns, p)
	}
	return f, nil
}

func (f Filter) Empty() bool { return len(f.patterns) == 0 }

// Includes runs the ordered include/exclude evaluation: a name starts
// excluded, a positive match includes it, a later negative match
// excludes it again.
func (f Filter) Includes(s string) bool {
	included := false
	for _, p := range f.patterns {
		if p.Match(s) {
			included = !p.Negate
		}
	}
	return included
}

// MatchesAny reports whether any pattern matches, ignoring negation.
// Ignore lists use this form.
func (f Filter) MatchesAny(s string) bool {
	for _, p := range f.patterns {
		if p.Match(s) {
			return true
		}
	}
	return false
}
