package orchestrator

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Filter rewrites generated text before synthesis.
type Filter interface {
	Name() string
	Apply(text string) string
}

// FilterFunc adapts a function to Filter.
type FilterFunc struct {
	Label string
	Fn    func(string) string
}

func (f FilterFunc) Name() string             { return f.Label }
func (f FilterFunc) Apply(text string) string { return f.Fn(text) }

// RedactedMarker replaces anything that looks like a credential.
const RedactedMarker = "[REDACTED]"

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-(?:ant-)?[A-Za-z0-9_\-]{16,}\b`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{30,}\b`),
	regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9\-]{10,}\b`),
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{20,}=*`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
}

// RedactSecrets masks API keys, tokens and private keys.
func RedactSecrets() Filter {
	return FilterFunc{Label: "redact_secrets", Fn: func(s string) string {
		for _, re := range secretPatterns {
			s = re.ReplaceAllString(s, RedactedMarker)
		}
		return s
	}}
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// CollapseWhitespace trims the text and squeezes runs of blank lines.
func CollapseWhitespace() Filter {
	return FilterFunc{Label: "collapse_whitespace", Fn: func(s string) string {
		s = strings.ReplaceAll(s, "\r\n", "\n")
		return strings.TrimSpace(blankRuns.ReplaceAllString(s, "\n\n"))
	}}
}

// LengthCap truncates to max runes, preferring a word boundary.
func LengthCap(max int) Filter {
	return FilterFunc{Label: "length_cap", Fn: func(s string) string {
		if max <= 0 || utf8.RuneCountInString(s) <= max {
			return s
		}
		r := []rune(s)[:max]
		cut := string(r)
		if i := strings.LastIndexAny(cut, " \n\t"); i > len(cut)/2 {
			cut = cut[:i]
		}
		return strings.TrimRight(cut, " \n\t") + "…"
	}}
}

// DefaultFilters returns redaction, whitespace cleanup and a length cap.
func DefaultFilters(maxChars int) []Filter {
	return []Filter{RedactSecrets(), CollapseWhitespace(), LengthCap(maxChars)}
}

func applyFilters(filters []Filter, text string) (string, []string) {
	var changed []string
	for _, f := range filters {
		next := f.Apply(text)
		if next != text {
			changed = append(changed, f.Name())
		}
		text = next
	}
	return text, changed
}
