// Package filter masks words and phrases in live transcripts before they
// reach the classroom display. Deployments provide an optional rules file
// with one rule per line:
//
//	heck => [redacted]
//	s/\b\d{3}-\d{4}\b/[number]/
//
// Literal rules replace every case-insensitive occurrence. Regex rules use
// Go syntax between any non-alphanumeric delimiter, with optional i, m, s
// flags (matching is case-insensitive unless the pattern opts out). Rules
// re-apply until the text settles or the iteration limit is reached, so
// chained masks converge.
package filter

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

type maskRule struct {
	re          *regexp.Regexp
	replacement string
}

// Filter applies masking rules to transcript text. The zero-rule filter
// passes text through untouched.
type Filter struct {
	rules []maskRule
	limit int
}

// New loads and compiles rules from path. An empty path or a missing file
// yields a passthrough filter; a malformed file is an error.
func New(path string, limit int) (*Filter, error) {
	if limit <= 0 {
		limit = 30
	}
	if strings.TrimSpace(path) == "" {
		return &Filter{limit: limit}, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Filter{limit: limit}, nil
		}
		return nil, fmt.Errorf("failed to read filter file %q: %w", path, err)
	}

	rules, err := parseRules(string(contents))
	if err != nil {
		return nil, fmt.Errorf("failed to parse filter file %q: %w", path, err)
	}
	return &Filter{rules: rules, limit: limit}, nil
}

// Apply masks text. The input is returned unchanged when no rule matches.
func (f *Filter) Apply(text string) string {
	if len(f.rules) == 0 {
		return text
	}

	result := text
	for i := 0; i < f.limit; i++ {
		changed := false
		for _, rule := range f.rules {
			next := rule.re.ReplaceAllString(result, rule.replacement)
			if next != result {
				result = next
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return result
}

// Len reports how many rules are loaded.
func (f *Filter) Len() int {
	return len(f.rules)
}

func parseRules(contents string) ([]maskRule, error) {
	lines := strings.Split(contents, "\n")
	rules := make([]maskRule, 0, len(lines))

	for index, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var (
			rule maskRule
			err  error
		)
		switch {
		case looksLikeRegexRule(line):
			rule, err = parseRegexRule(line)
		case strings.Contains(line, "=>"):
			rule, err = parseLiteralRule(line)
		default:
			err = errors.New("unsupported rule format")
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", index+1, err)
		}
		rules = append(rules, rule)
	}

	return rules, nil
}

func parseLiteralRule(line string) (maskRule, error) {
	parts := strings.SplitN(line, "=>", 2)
	from := strings.TrimSpace(parts[0])
	to := strings.TrimSpace(parts[1])
	if from == "" {
		return maskRule{}, errors.New("literal rule source cannot be empty")
	}

	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(from))
	if err != nil {
		return maskRule{}, fmt.Errorf("invalid literal source: %w", err)
	}
	return maskRule{re: re, replacement: to}, nil
}

func parseRegexRule(line string) (maskRule, error) {
	delim := line[1]

	pattern, pos, err := readDelimited(line, 2, delim)
	if err != nil {
		return maskRule{}, fmt.Errorf("invalid regex pattern: %w", err)
	}
	replacement, pos, err := readDelimited(line, pos, delim)
	if err != nil {
		return maskRule{}, fmt.Errorf("invalid regex replacement: %w", err)
	}

	prefix := "i"
	for _, flag := range strings.TrimSpace(line[pos:]) {
		switch flag {
		case 'i', 'g', ' ':
			// case-insensitive and global are both the default here
		case 'm':
			prefix += "m"
		case 's':
			prefix += "s"
		default:
			return maskRule{}, fmt.Errorf("unsupported regex flag %q", flag)
		}
	}

	re, err := regexp.Compile("(?" + prefix + ")" + pattern)
	if err != nil {
		return maskRule{}, fmt.Errorf("invalid regex: %w", err)
	}
	return maskRule{re: re, replacement: replacement}, nil
}

func readDelimited(line string, start int, delim byte) (string, int, error) {
	if start >= len(line) {
		return "", 0, errors.New("unexpected end of expression")
	}

	var builder strings.Builder
	escaped := false
	for index := start; index < len(line); index++ {
		char := line[index]
		if escaped {
			builder.WriteByte(char)
			escaped = false
			continue
		}
		if char == '\\' {
			escaped = true
			builder.WriteByte(char)
			continue
		}
		if char == delim {
			return builder.String(), index + 1, nil
		}
		builder.WriteByte(char)
	}
	return "", 0, errors.New("unterminated expression")
}

func looksLikeRegexRule(line string) bool {
	if len(line) < 2 || line[0] != 's' {
		return false
	}
	delim := line[1]
	switch {
	case delim >= 'a' && delim <= 'z', delim >= 'A' && delim <= 'Z':
		return false
	case delim >= '0' && delim <= '9', delim == ' ', delim == '\t':
		return false
	}
	return true
}
