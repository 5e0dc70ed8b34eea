package tts

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Normalizer rewrites chunk text into a form the engine reads aloud cleanly.
// It never changes what is stored in the job; it only shapes the request text.
type Normalizer struct {
	referencePattern  *regexp.Regexp
	urlPattern        *regexp.Regexp
	whitespacePattern *regexp.Regexp
	abbreviations     *strings.Replacer
	punctuation       *strings.Replacer
}

// NewNormalizer compiles the patterns once.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		referencePattern:  regexp.MustCompile(`\[\d+(?:[,\-–]\s*\d+)*\]|[¹²³⁴⁵⁶⁷⁸⁹⁰]+`),
		urlPattern:        regexp.MustCompile(`https?://\S+`),
		whitespacePattern: regexp.MustCompile(`\s+`),
		abbreviations: strings.NewReplacer(
			"Mr.", "Mister",
			"Mrs.", "Misses",
			"Ms.", "Miss",
			"Dr.", "Doctor",
			"St.", "Saint",
			"Ltd.", "Limited",
			"Corp.", "Corporation",
			"Inc.", "Incorporated",
			"e.g.", "for example",
			"i.e.", "that is",
		),
		punctuation: strings.NewReplacer(
			"—", ", ",
			"–", "-",
			"‒", "-",
			"…", "...",
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
	}
}

// Normalize expands abbreviations, drops reference markers and bare URLs,
// straightens quotes and dashes, collapses whitespace and terminates the last sentence.
func (n *Normalizer) Normalize(text string) string {
	text = n.abbreviations.Replace(text)
	text = n.referencePattern.ReplaceAllString(text, "")
	text = n.urlPattern.ReplaceAllString(text, "")
	text = n.punctuation.Replace(text)
	text = strings.TrimSpace(n.whitespacePattern.ReplaceAllString(text, " "))

	if text == "" {
		return text
	}

	last, _ := utf8.DecodeLastRuneInString(text)
	switch {
	case last == '.' || last == '!' || last == '?' || last == '"' || last == '\'':
		return text
	case unicode.IsPunct(last):
		return strings.TrimRightFunc(text, unicode.IsPunct) + "."
	default:
		return text + "."
	}
}
