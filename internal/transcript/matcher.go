// Package transcript repairs recognizer output before it reaches the
// conversation. Speech recognition often mangles business vocabulary such as
// product names ("sour dough" for "sourdough", "kwa sont" for "croissant").
// A [Corrector] aligns such spans with the configured keywords.
//
// Matching runs in two stages:
//
//  1. Double Metaphone codes of the heard words are compared with the codes
//     of every keyword. A keyword sharing a code is a phonetic candidate and
//     is accepted when its Jaro-Winkler similarity reaches the phonetic
//     threshold.
//  2. Without a phonetic candidate, a keyword is accepted on Jaro-Winkler
//     similarity alone when it reaches the higher fuzzy threshold.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.90
)

// keyword is a keyword with its matching data computed once.
type keyword struct {
	text   string
	lower  string
	tokens []string
	joined string
	codes  map[string]struct{}
}

func prepareKeyword(k string) (keyword, bool) {
	lower := strings.ToLower(strings.TrimSpace(k))
	tokens := strings.Fields(lower)
	if len(tokens) == 0 {
		return keyword{}, false
	}
	return keyword{
		text:   strings.Join(strings.Fields(k), " "),
		lower:  strings.Join(tokens, " "),
		tokens: tokens,
		joined: strings.Join(tokens, ""),
		codes:  codesFor(tokens),
	}, true
}

// matcher picks the keyword closest to a span of heard words.
// It is read-only after construction.
type matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	keywords          []keyword
}

// match returns the best keyword for a span of heard words, its similarity
// and whether one was accepted. A span is compared with keywords of the same
// word count, and with keywords one word shorter when the recognizer split a
// word in two ("sour dough"). Split spans must start with the same letter as
// the keyword and be about as long.
func (m *matcher) match(span string) (string, float64, bool) {
	tokens := strings.Fields(strings.ToLower(span))
	if len(tokens) == 0 {
		return "", 0, false
	}
	codes := codesFor(tokens)
	joined := strings.Join(tokens, "")

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, k := range m.keywords {
		var score float64
		switch len(tokens) {
		case len(k.tokens):
			score = similarity(tokens, joined, k)
		case len(k.tokens) + 1:
			if joined[0] != k.joined[0] || abs(len(joined)-len(k.joined)) > maxSplitSlack {
				continue
			}
			score = matchr.JaroWinkler(joined, k.joined, false)
		default:
			continue
		}
		if overlaps(codes, k.codes) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = k.text, score, true
			}
			continue
		}
		if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = k.text, score
		}
	}
	return best, bestScore, best != ""
}

// maxSplitSlack is how many letters a split span may differ in length from
// the keyword.
const maxSplitSlack = 2

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// codesFor returns the Double Metaphone codes of all tokens.
func codesFor(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score of the span against a keyword of
// the same word count. Full strings and strings without spaces are compared;
// multi-word spans also score as their weakest word-by-word pair.
func similarity(tokens []string, joined string, k keyword) float64 {
	score := matchr.JaroWinkler(strings.Join(tokens, " "), k.lower, false)
	if s := matchr.JaroWinkler(joined, k.joined, false); s > score {
		score = s
	}
	if len(tokens) > 1 {
		worst := 1.0
		for i := range tokens {
			worst = min(worst, matchr.JaroWinkler(tokens[i], k.tokens[i], false))
		}
		score = max(score, worst)
	}
	return score
}
