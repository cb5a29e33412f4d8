package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// HTMLParser flattens HTML email bodies to plain text before code extraction
type HTMLParser struct {
	spaces    *regexp.Regexp
	newlines  *regexp.Regexp
	invisible *regexp.Regexp
}

// NewHTMLParser creates a new HTML parser
func NewHTMLParser() *HTMLParser {
	return &HTMLParser{
		spaces:   regexp.MustCompile(`[^\S\n]+`),
		newlines: regexp.MustCompile(`\n{3,}`),
		// Zero-width and other invisible Unicode characters; providers
		// inject these between code digits and they break matching.
		invisible: regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}\x{2060}-\x{2064}\x{206A}-\x{206F}\x{FE00}-\x{FE0F}]+`),
	}
}

// Parse converts an HTML body to clean plain text
func (p *HTMLParser) Parse(html string) (string, error) {
	if html == "" {
		return "", nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, head, meta, link").Remove()

	// Block elements become line breaks so labels and codes on separate
	// rows do not run together.
	doc.Find("p, div, br, h1, h2, h3, h4, h5, h6, li, td, tr").Each(func(i int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})

	text := doc.Text()
	text = p.invisible.ReplaceAllString(text, "")
	text = p.spaces.ReplaceAllString(text, " ")

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	text = strings.Join(lines, "\n")
	text = p.newlines.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text), nil
}
