package dedup

import (
	"fmt"
	"strings"
)

var marketingPhrases = []string{
	"check out",
	"you should try",
	"i highly recommend",
	"amazing tool",
	"game changer",
	"life changing",
	"best thing ever",
}

const (
	minWords = 20
	maxWords = 300
)

// Lint returns advisory warnings about text that reads as promotional or
// is an unusual length. Warnings never block a proposal.
func Lint(text string) []string {
	var warnings []string

	words := len(strings.Fields(text))
	if words < minWords {
		warnings = append(warnings, fmt.Sprintf("reply might be too short (%d words)", words))
	}
	if words > maxWords {
		warnings = append(warnings, fmt.Sprintf("reply might be too long (%d words)", words))
	}

	lower := strings.ToLower(text)
	for _, phrase := range marketingPhrases {
		if strings.Contains(lower, phrase) {
			warnings = append(warnings, fmt.Sprintf("marketing phrase detected: %q", phrase))
		}
	}
	return warnings
}
