package dedup

import (
	"slices"
	"strings"
)

// Angle is a thematic direction a reply could take. Presence is judged by
// keyword membership only, so absence is approximate: a thread may discuss
// an aspect in words the catalog does not list.
type Angle struct {
	Name string
	// Confidence that the angle is absent from the discussion, in [0, 1].
	Confidence float64
	// Fallback marks generic suggestions offered when every catalog angle
	// is already covered.
	Fallback bool
}

type aspect struct {
	name     string
	keywords []string
}

var catalog = []aspect{
	{"performance", []string{"fast", "speed", "quick", "slow", "performance"}},
	{"cost", []string{"price", "cost", "expensive", "cheap", "free", "subscription"}},
	{"privacy", []string{"privacy", "secure", "cloud", "local", "offline"}},
	{"ease of use", []string{"easy", "simple", "intuitive", "complicated"}},
	{"offline capability", []string{"offline", "local", "internet", "cloud"}},
	{"customization", []string{"custom", "configure", "settings", "options"}},
	{"support and community", []string{"support", "community", "help", "documentation"}},
}

var fallbacks = []string{
	"personal experience",
	"specific numbers or benchmarks",
	"implementation tips",
}

// SuggestAngles returns catalog angles no existing text mentions, most
// confidently absent first. An angle is covered when any of its keywords is
// a whole word in some text; keywords appearing only inside longer words
// ("freelance" for "free") lower the confidence instead.
func SuggestAngles(existing []string) []Angle {
	words := make(map[string]struct{})
	var joined strings.Builder
	for _, text := range existing {
		for _, t := range tokenize(text) {
			words[t.norm] = struct{}{}
		}
		joined.WriteString(strings.ToLower(foldText(text)))
		joined.WriteByte(' ')
	}
	lower := joined.String()

	var angles []Angle
	for _, a := range catalog {
		covered := false
		partial := 0
		for _, kw := range a.keywords {
			if _, ok := words[kw]; ok {
				covered = true
				break
			}
			if strings.Contains(lower, kw) {
				partial++
			}
		}
		if covered {
			continue
		}
		angles = append(angles, Angle{
			Name:       a.name,
			Confidence: 1 - float64(partial)/float64(len(a.keywords)),
		})
	}

	if len(angles) == 0 {
		for _, name := range fallbacks {
			angles = append(angles, Angle{Name: name, Confidence: 0, Fallback: true})
		}
		return angles
	}

	slices.SortStableFunc(angles, func(x, y Angle) int {
		switch {
		case x.Confidence > y.Confidence:
			return -1
		case x.Confidence < y.Confidence:
			return 1
		default:
			return 0
		}
	})
	return angles
}
