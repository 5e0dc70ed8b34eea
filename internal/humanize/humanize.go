// Package humanize formats sizes and durations for operators and builds safe download names.
package humanize

import (
	"fmt"
	"strings"
	"unicode"
)

// Data size constants.
const (
	kilobyte = 1024
	megabyte = kilobyte * 1024
	gigabyte = megabyte * 1024
)

// Time constants.
const (
	secondsInMinute = 60
	secondsInHour   = 3600
)

const (
	invalidCharReplacement = "_"
	maxFilenameLength      = 100
)

// FormatDuration formats seconds as "45.2s", "5m 30.5s" or "1h 15m".
func FormatDuration(seconds float64) string {
	if seconds < secondsInMinute {
		return fmt.Sprintf("%.1fs", seconds)
	}

	if seconds < secondsInHour {
		minutes := int(seconds / secondsInMinute)
		remaining := seconds - float64(minutes*secondsInMinute)

		return fmt.Sprintf("%dm %.1fs", minutes, remaining)
	}

	hours := int(seconds / secondsInHour)
	minutes := int((seconds - float64(hours*secondsInHour)) / secondsInMinute)

	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// FormatFileSize formats a byte count as "1.2 GB", "500.5 MB", "3.0 KB" or "12 B".
func FormatFileSize(bytes int64) string {
	switch {
	case bytes >= gigabyte:
		return fmt.Sprintf("%.1f GB", float64(bytes)/gigabyte)
	case bytes >= megabyte:
		return fmt.Sprintf("%.1f MB", float64(bytes)/megabyte)
	case bytes >= kilobyte:
		return fmt.Sprintf("%.1f KB", float64(bytes)/kilobyte)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

var filenameReplacer = strings.NewReplacer(
	"<", invalidCharReplacement,
	">", invalidCharReplacement,
	":", invalidCharReplacement,
	"\"", invalidCharReplacement,
	"/", invalidCharReplacement,
	"\\", invalidCharReplacement,
	"|", invalidCharReplacement,
	"?", invalidCharReplacement,
	"*", invalidCharReplacement,
)

// SanitizeFilename replaces characters that are invalid in most filesystems,
// drops control characters and caps the length. It returns fallback when
// nothing usable remains.
func SanitizeFilename(name, fallback string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}

		return r
	}, filenameReplacer.Replace(name))

	cleaned = strings.Trim(strings.TrimSpace(cleaned), ".")

	runes := []rune(cleaned)
	if len(runes) > maxFilenameLength {
		cleaned = strings.TrimSpace(string(runes[:maxFilenameLength]))
	}

	if cleaned == "" {
		return fallback
	}

	return cleaned
}
