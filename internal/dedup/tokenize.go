package dedup

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Words keep internal dots, hyphens and apostrophes so "Otter.ai" and
// "it's" stay single tokens.
var wordPattern = regexp.MustCompile(`[\pL\pN]+(?:['’.\-][\pL\pN]+)*`)

var stopWords = map[string]bool{}

func init() {
	for _, w := range strings.Fields(`
		a about above after again against all am an and any are as at be because been
		before being below between both but by can could did do does doing down during
		each few for from further had has have having he her here hers herself him
		himself his how i if in into is it its itself just me more most my myself no nor
		not now of off on once only or other our ours ourselves out over own same she
		should so some such than that thats the their theirs them themselves then there
		these they this those through to too under until up very was we were what when
		where which while who whom why will with would you your yours yourself
		yourselves im ive id youre dont doesnt didnt cant wont isnt also really much
		get got one thing things lot`) {
		stopWords[w] = true
	}
}

type token struct {
	raw  string
	norm string
	// initial is true for the first word of a sentence.
	initial bool
}

// foldText removes diacritics so "naïve" and "naive" tokenize alike.
func foldText(text string) string {
	// transform.Chain is stateful; build one per call.
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(fold, text)
	if err != nil {
		return text
	}
	return out
}

func tokenize(text string) []token {
	folded := foldText(text)
	locs := wordPattern.FindAllStringIndex(folded, -1)
	out := make([]token, 0, len(locs))

	sentenceStart := true
	prevEnd := 0
	for _, loc := range locs {
		if strings.ContainsAny(folded[prevEnd:loc[0]], ".!?\n") {
			sentenceStart = true
		}
		raw := folded[loc[0]:loc[1]]
		n := strings.ToLower(raw)
		n = strings.NewReplacer("'", "", "’", "").Replace(n)
		out = append(out, token{raw: raw, norm: n, initial: sentenceStart})
		sentenceStart = false
		prevEnd = loc[1]
	}
	return out
}

// contentWords returns the lowercased content words of text, stop words removed.
func contentWords(text string) []string {
	var out []string
	for _, t := range tokenize(text) {
		if !stopWords[t.norm] {
			out = append(out, t.norm)
		}
	}
	return out
}

func contentSet(tokens []token) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if !stopWords[t.norm] {
			set[t.norm] = struct{}{}
		}
	}
	return set
}

// keyTerms picks product-like names: words containing a dot or digit, words
// with an internal capital, and capitalized words not opening a sentence.
func keyTerms(tokens []token) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range tokens {
		if stopWords[t.norm] {
			continue
		}
		if isKeyTerm(t) {
			set[t.norm] = struct{}{}
		}
	}
	return set
}

func isKeyTerm(t token) bool {
	if strings.ContainsAny(t.raw, ".0123456789") {
		return true
	}
	first, size := utf8.DecodeRuneInString(t.raw)
	for _, r := range t.raw[size:] {
		if unicode.IsUpper(r) {
			return true
		}
	}
	return unicode.IsUpper(first) && !t.initial
}
