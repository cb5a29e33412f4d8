package parser

import (
	"regexp"
	"strings"
)

// Extractor pulls a one-time verification code out of an email body.
//
// Provider templates drift, so extraction is an ordered list of heuristics:
// labeled patterns first, a bare-token fallback last, and every candidate is
// re-validated to be exactly 6 alphanumeric characters before it is accepted.
// A miss is not an error; it just means this particular email had no usable
// code.
type Extractor struct {
	tags     *regexp.Regexp
	patterns []*regexp.Regexp
	valid    *regexp.Regexp
}

// NewExtractor creates a new code extractor
func NewExtractor() *Extractor {
	return &Extractor{
		tags: regexp.MustCompile(`<[^>]*>`),
		// Evaluated in priority order, first valid match wins. The final
		// bare-token pattern is prone to false positives on unrelated
		// alphanumeric content and must stay last.
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(?:code is|verification code|code|pin)[\s:]+([A-Za-z0-9]{6})`),
			regexp.MustCompile(`(?i)(?:code|pin)[\s:]+(\d{6})`),
			regexp.MustCompile(`(?i)your\s+(?:verification\s+)?code:\s*([A-Za-z0-9]{6})`),
			regexp.MustCompile(`\b([A-Za-z0-9]{6})\b`),
		},
		valid: regexp.MustCompile(`^[A-Z0-9]{6}$`),
	}
}

// Extract returns the first code found in text, uppercased. The second
// return value reports whether a code was found at all.
func (e *Extractor) Extract(text string) (string, bool) {
	if text == "" {
		return "", false
	}

	// Replace markup tags with a space so label text adjacent to a tag
	// boundary stays separated from the code token.
	text = e.tags.ReplaceAllString(text, " ")

	for _, pattern := range e.patterns {
		match := pattern.FindStringSubmatch(text)
		if match == nil {
			continue
		}

		code := strings.ToUpper(strings.TrimSpace(match[1]))
		if e.valid.MatchString(code) {
			return code, true
		}
		// Candidate failed re-validation, fall through to the next rule
	}

	return "", false
}
