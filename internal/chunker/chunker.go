// Package chunker splits long texts into ordered segments that fit the synthesis engine.
//
// Splitting is hierarchical: a paragraph break is preferred, then a sentence end,
// then a clause delimiter, then a word boundary. A single token longer than the
// maximum chunk size is hard-cut.
package chunker

import (
	"errors"
	"fmt"
	"unicode"

	"github.com/book-expert/longform-tts/internal/core"
)

// PreviewLength is the number of characters kept in a chunk preview.
const PreviewLength = 50

// Minimum fill ratios of the maximum chunk size for each boundary kind.
const (
	paragraphFillRatio = 0.5
	sentenceFillRatio  = 0.4
	clauseFillRatio    = 0.3
)

// ErrInvalidChunkSize is returned when the maximum chunk size is not positive.
var ErrInvalidChunkSize = errors.New("max chunk size must be positive")

var (
	sentenceEndings = toRunes(". ", "! ", "? ", ".\n", "!\n", "?\n", ".\"", "!\"", "?\"", ".'", "!'", "?'")
	clauseEndings   = toRunes(", ", "; ", ": ", " - ", " — ", " and ", " or ", " but ", " while ", " when ")
)

// Split cuts text into chunks of at most maxSize characters. When overlap is
// positive, each chunk after the first starts overlap characters before the
// previous split point.
func Split(text string, maxSize, overlap int) ([]core.Chunk, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidChunkSize, maxSize)
	}

	if overlap < 0 {
		overlap = 0
	}

	remaining := trimSpace([]rune(text))
	chunks := make([]core.Chunk, 0, len(remaining)/maxSize+1)

	for len(remaining) > 0 {
		if len(remaining) <= maxSize {
			chunks = appendChunk(chunks, remaining)

			break
		}

		split := findSplit(remaining, maxSize)
		chunks = appendChunk(chunks, remaining[:split])

		next := split - overlap
		if next <= 0 {
			next = split
		}

		remaining = trimSpace(remaining[next:])
	}

	return chunks, nil
}

// Preview truncates text to PreviewLength characters, marking the cut with "...".
func Preview(text string, length int) string {
	runes := []rune(text)
	if len(runes) <= length {
		return text
	}

	return string(runes[:length]) + "..."
}

func appendChunk(chunks []core.Chunk, segment []rune) []core.Chunk {
	segment = trimSpace(segment)
	if len(segment) == 0 {
		return chunks
	}

	text := string(segment)

	return append(chunks, core.Chunk{
		Index:          len(chunks),
		Text:           text,
		TextPreview:    Preview(text, PreviewLength),
		CharacterCount: len(segment),
	})
}

// findSplit returns the rune offset, in (0, maxSize], where text should be cut.
func findSplit(text []rune, maxSize int) int {
	if split := paragraphSplit(text, maxSize); split > 0 {
		return split
	}

	if split := lastDelimiterSplit(text, maxSize, sentenceEndings, sentenceFillRatio); split > 0 {
		return split
	}

	if split := lastDelimiterSplit(text, maxSize, clauseEndings, clauseFillRatio); split > 0 {
		return split
	}

	return wordSplit(text, maxSize)
}

// paragraphSplit finds the last blank-line break ending within the window.
func paragraphSplit(text []rune, maxSize int) int {
	window := text[:maxSize]
	minSplit := int(float64(maxSize) * paragraphFillRatio)
	best := 0

	for i := 0; i < len(window); i++ {
		if window[i] != '\n' {
			continue
		}

		end := -1

		for j := i + 1; j < len(window) && unicode.IsSpace(window[j]); j++ {
			if window[j] == '\n' {
				end = j + 1
			}
		}

		if end < 0 {
			continue
		}

		if end > minSplit {
			best = end
		}

		i = end - 1
	}

	return best
}

func lastDelimiterSplit(text []rune, maxSize int, delimiters [][]rune, ratio float64) int {
	minSplit := int(float64(maxSize) * ratio)
	best := 0

	for _, delimiter := range delimiters {
		pos := lastIndex(text, delimiter, maxSize)
		if pos > minSplit && pos+len(delimiter) > best {
			best = pos + len(delimiter)
		}
	}

	return best
}

// wordSplit cuts at the last whitespace in the window, or hard at maxSize.
func wordSplit(text []rune, maxSize int) int {
	for i := maxSize - 1; i > 0; i-- {
		if unicode.IsSpace(text[i]) {
			return i
		}
	}

	return maxSize
}

// lastIndex returns the start of the last occurrence of sub lying entirely within text[:end].
func lastIndex(text, sub []rune, end int) int {
	if end > len(text) {
		end = len(text)
	}

	for start := end - len(sub); start >= 0; start-- {
		if runesEqual(text[start:start+len(sub)], sub) {
			return start
		}
	}

	return -1
}

func runesEqual(a, b []rune) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func trimSpace(text []rune) []rune {
	start, end := 0, len(text)
	for start < end && unicode.IsSpace(text[start]) {
		start++
	}

	for end > start && unicode.IsSpace(text[end-1]) {
		end--
	}

	return text[start:end]
}

func toRunes(values ...string) [][]rune {
	out := make([][]rune, len(values))
	for i, value := range values {
		out[i] = []rune(value)
	}

	return out
}
