package sniper

import "strings"

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizeTriggers lowercases, collapses whitespace, and drops empty and
// repeated phrases, keeping the first occurrence order.
func NormalizeTriggers(triggers []string) []string {
	seen := make(map[string]bool, len(triggers))
	out := make([]string, 0, len(triggers))
	for _, t := range triggers {
		n := normalize(t)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Match returns the first trigger contained in text, case-insensitively.
func Match(triggers []string, text string) (string, bool) {
	body := normalize(text)
	for _, t := range triggers {
		if n := normalize(t); n != "" && strings.Contains(body, n) {
			return n, true
		}
	}
	return "", false
}
