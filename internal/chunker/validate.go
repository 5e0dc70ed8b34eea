package chunker

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/book-expert/longform-tts/internal/core"
)

// Repetition check thresholds.
const (
	minWordsForRepetitionCheck = 10
	minUniqueWordRatio         = 0.1
)

// Processing estimate coefficients, in seconds.
const (
	charsPerSecond    = 25
	baseOverhead      = 5
	perChunkOverhead  = 2
	concatenationCost = 10
)

// ValidateText checks that text qualifies as a long text: non-empty, strictly
// longer than minLength, at most maxLength characters, and not degenerate repetition.
func ValidateText(text string, minLength, maxLength int) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return fmt.Errorf("%w: text cannot be empty", core.ErrValidation)
	}

	length := utf8.RuneCountInString(text)
	if length <= minLength {
		return fmt.Errorf("%w: text must be longer than %d characters for long text processing, got %d",
			core.ErrValidation, minLength, length)
	}

	if length > maxLength {
		return fmt.Errorf("%w: text exceeds maximum length of %d characters, got %d",
			core.ErrValidation, maxLength, length)
	}

	words := strings.Fields(strings.ToLower(trimmed))
	if len(words) > minWordsForRepetitionCheck {
		unique := make(map[string]struct{}, len(words))
		for _, word := range words {
			unique[word] = struct{}{}
		}

		if float64(len(unique)) < float64(len(words))*minUniqueWordRatio {
			return fmt.Errorf("%w: text appears to be excessively repetitive", core.ErrValidation)
		}
	}

	return nil
}

// EstimateChunks returns the provisional chunk count used before real chunking runs.
func EstimateChunks(textLength, chunkSize int) int {
	if chunkSize <= 0 {
		return 1
	}

	estimate := int(math.Ceil(float64(textLength) / float64(chunkSize)))
	if estimate < 1 {
		return 1
	}

	return estimate
}

// EstimateProcessingSeconds gives a coarse wall-clock estimate for a whole job.
func EstimateProcessingSeconds(textLength, chunks int) int {
	return textLength/charsPerSecond + baseOverhead + perChunkOverhead*chunks + concatenationCost
}
