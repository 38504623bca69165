package parser

import (
	"regexp"
	"strings"

	"github.com/mixelka/verifymail/pkg/models"
)

// Boilerplate, markup and relay noise that looks like a code but never is one
var excludedWords = []string{
	"below", "above", "button", "click", "email", "verification",
	"DOCTYPE", "BLACKFRI", "ESMTPS", "SMTP", "Gmail", "Google",
	"Received", "AGHT", "PST", "UTF",
}

var excludedLower = func() []string {
	out := make([]string, len(excludedWords))
	for i, w := range excludedWords {
		out[i] = strings.ToLower(w)
	}
	return out
}()

// CodeDetector extracts verification codes from normalized text
type CodeDetector struct {
	patterns []*codePattern
}

type codePattern struct {
	Label string
	Regex *regexp.Regexp
	Group int
}

// NewCodeDetector creates a new code detector. Patterns are ordered from most to least specific.
func NewCodeDetector() *CodeDetector {
	return &CodeDetector{
		patterns: []*codePattern{
			{Label: "verification code below", Regex: regexp.MustCompile(`(?i)verification\s+code\s+below\s*:?\s*([A-Z0-9]{6})\b`), Group: 1},
			{Label: "code below", Regex: regexp.MustCompile(`(?i)code\s+below\s*:?\s*([A-Z0-9]{6})\b`), Group: 1},
			{Label: "below", Regex: regexp.MustCompile(`(?i)below\s*:?\s*([A-Z0-9]{6})\b`), Group: 1},
			// Mixed codes like Y2A9VC
			{Label: "alphanumeric", Regex: regexp.MustCompile(`\b([A-Z0-9]{6})\b`), Group: 1},
			{Label: "verification code", Regex: regexp.MustCompile(`(?i)verification\s+code[:\s]+([A-Z0-9]{6})\b`), Group: 1},
			{Label: "your code", Regex: regexp.MustCompile(`(?i)your\s+code[:\s]+([A-Z0-9]{4,8})`), Group: 1},
			{Label: "confirm code", Regex: regexp.MustCompile(`(?i)confirm\s+code[:\s]+([A-Z0-9]{4,8})`), Group: 1},
			{Label: "uppercase", Regex: regexp.MustCompile(`\b([A-Z]{6})\b`), Group: 1},
			{Label: "digits", Regex: regexp.MustCompile(`\b(\d{4,6})\b`), Group: 1},
		},
	}
}

// Extract returns the first candidate that is not excluded, scanning patterns in
// priority order and matches in text order.
func (d *CodeDetector) Extract(text string) (string, bool) {
	for _, pattern := range d.patterns {
		for _, match := range pattern.Regex.FindAllStringSubmatch(text, -1) {
			if len(match) <= pattern.Group {
				continue
			}
			code := match[pattern.Group]
			if code == "" || IsExcluded(code) {
				continue
			}
			return code, true
		}
	}
	return "", false
}

// DetectCodes returns every accepted candidate in extraction order, without duplicates
func (d *CodeDetector) DetectCodes(text string) []models.DetectedCode {
	var codes []models.DetectedCode
	seen := make(map[string]bool)

	for _, pattern := range d.patterns {
		for _, match := range pattern.Regex.FindAllStringSubmatch(text, -1) {
			if len(match) <= pattern.Group {
				continue
			}
			code := match[pattern.Group]
			if code == "" || seen[code] || IsExcluded(code) {
				continue
			}
			seen[code] = true
			codes = append(codes, models.DetectedCode{
				Pattern: pattern.Label,
				Value:   code,
			})
		}
	}

	return codes
}

// IsExcluded reports whether candidate contains a denylisted word, ignoring case
func IsExcluded(candidate string) bool {
	lower := strings.ToLower(candidate)
	for _, word := range excludedLower {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
