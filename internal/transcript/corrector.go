package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// minSpanLen is the shortest span, in letters, that is ever corrected.
// Shorter words match too many keywords by accident.
const minSpanLen = 4

// Correction records one replaced span.
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

// Option configures a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the similarity a phonetically matching keyword
// needs. Default: 0.80.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the similarity a keyword needs without a phonetic
// match. Default: 0.90.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.m.fuzzyThreshold = threshold }
}

// Corrector replaces misheard keywords in final transcripts. It is safe for
// concurrent use.
type Corrector struct {
	m       matcher
	maxSpan int
}

// New returns a Corrector for keywords. Blank keywords are ignored.
func New(keywords []string, opts ...Option) *Corrector {
	c := &Corrector{m: matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}}
	for _, k := range keywords {
		if pk, ok := prepareKeyword(k); ok {
			c.m.keywords = append(c.m.keywords, pk)
			c.maxSpan = max(c.maxSpan, len(pk.tokens)+1)
		}
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// word is one whitespace separated token split around its letters.
type word struct {
	lead, core, trail string
}

func splitWord(tok string) word {
	isEdge := func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) }
	core := strings.TrimFunc(tok, isEdge)
	if core == "" {
		return word{lead: tok}
	}
	i := strings.Index(tok, core)
	return word{lead: tok[:i], core: core, trail: tok[i+len(core):]}
}

// Correct returns text with misheard keywords replaced, and the replacements
// made. Longer spans are tried first so multi-word keywords win over partial
// matches. Spans never cross punctuation. A span that already is a keyword,
// or an inflection of one, is left alone.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if c == nil || len(c.m.keywords) == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	words := make([]word, len(tokens))
	for i, t := range tokens {
		words[i] = splitWord(t)
	}

	var (
		out         []string
		corrections []Correction
		changed     bool
	)
	for i := 0; i < len(words); {
		n, kw, score := c.longestMatch(words[i:])
		if n == 0 {
			out = append(out, tokens[i])
			i++
			continue
		}
		if kw == "" {
			out = append(out, tokens[i:i+n]...)
			i += n
			continue
		}
		span := words[i : i+n]
		out = append(out, span[0].lead+kw+span[n-1].trail)
		corrections = append(corrections, Correction{Original: coreText(span), Corrected: kw, Confidence: score})
		changed = true
		i += n
	}
	if !changed {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// longestMatch finds the longest span at the start of words that matches a
// keyword. It returns the span length and the keyword, or an empty keyword
// when the span already reads as that keyword. n is zero without a match.
func (c *Corrector) longestMatch(words []word) (n int, kw string, score float64) {
	for n = min(c.maxSpan, spanLimit(words)); n >= 1; n-- {
		span := words[:n]
		text := coreText(span)
		if utf8.RuneCountInString(strings.ReplaceAll(text, " ", "")) < minSpanLen {
			continue
		}
		kw, score, ok := c.m.match(text)
		if !ok {
			continue
		}
		heard := strings.ToLower(strings.ReplaceAll(text, " ", ""))
		want := strings.ToLower(strings.ReplaceAll(kw, " ", ""))
		if strings.HasPrefix(heard, want) && n == len(strings.Fields(kw)) {
			return n, "", 0
		}
		return n, kw, score
	}
	return 0, "", 0
}

// spanLimit is how many leading words can form a span without crossing
// punctuation.
func spanLimit(words []word) int {
	for i, w := range words {
		if w.core == "" {
			return i
		}
		if i > 0 && w.lead != "" {
			return i
		}
		if w.trail != "" {
			return i + 1
		}
	}
	return len(words)
}

func coreText(words []word) string {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = w.core
	}
	return strings.Join(parts, " ")
}
