// Package textx provides small text utilities used across the project.
package textx

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

var nonAlnumRun = regexp.MustCompile(`[^\pL\pN]+`)

// SanitizeFilenameStem normalizes an output filename stem: NFKC
// normalization, non-alphanumeric runs collapsed to a single underscore,
// clamped to 180 characters. An empty result falls back to "transcript".
func SanitizeFilenameStem(stem string) string {
	s := norm.NFKC.String(stem)
	s = nonAlnumRun.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if runes := []rune(s); len(runes) > 180 {
		s = string(runes[:180])
		s = strings.TrimRight(s, "_")
	}
	if s == "" {
		return "transcript"
	}
	return s
}

// Stem strips the final extension from a filename.
func Stem(filename string) string {
	if i := strings.LastIndex(filename, "."); i > 0 {
		return filename[:i]
	}
	return filename
}
