package scoring

import (
	"context"
	"fmt"
	"math"
	"sort"
)

var modals = map[string]bool{
	"must": true, "shall": true, "should": true, "may": true, "will": true, "can": true,
}

var negators = map[string]bool{"not": true, "never": true, "no": true}

// contractions map negated contractions onto their modal.
var contractions = map[string]string{
	"mustn't":   "must",
	"shan't":    "shall",
	"shouldn't": "should",
	"won't":     "will",
	"can't":     "can",
	"cannot":    "can",
}

// antonyms are verb pairs that oppose each other without a modal.
var antonyms = [][2]string{
	{"allow", "forbid"},
	{"allow", "prohibit"},
	{"permit", "prohibit"},
	{"permit", "forbid"},
	{"require", "prohibit"},
	{"enable", "disable"},
	{"share", "withhold"},
	{"disclose", "conceal"},
	{"always", "never"},
	{"retain", "delete"},
}

// LexicalScorer is a deterministic scorer over bag-of-words features.
// Similarity is the cosine of term-frequency vectors. Contradiction fires on
// opposed modals ("must" vs "must not") or antonym pairs, scaled by the
// overlap of the remaining content words.
type LexicalScorer struct{}

// NewLexicalScorer returns the default in-process scorer.
func NewLexicalScorer() *LexicalScorer { return &LexicalScorer{} }

// Score implements Scorer.
func (s *LexicalScorer) Score(ctx context.Context, in Input) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	switch in.Kind {
	case KindSimilarity:
		return Cosine(Tokenize(in.Left), Tokenize(in.Right)), nil
	case KindContradiction:
		return contradiction(in.Left, in.Right), nil
	default:
		return 0, fmt.Errorf("scoring: unknown kind %q", in.Kind)
	}
}

// Cosine returns the cosine similarity of the term-frequency vectors of a and b.
func Cosine(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	fa := frequencies(a)
	fb := frequencies(b)

	var dot, na, nb float64
	for _, t := range sortedKeys(fa) {
		ca := fa[t]
		dot += ca * fb[t]
		na += ca * ca
	}
	for _, t := range sortedKeys(fb) {
		nb += fb[t] * fb[t]
	}
	return Clamp(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func frequencies(tokens []string) map[string]float64 {
	out := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		out[t]++
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type polarity struct {
	modals  map[string]bool // modal -> negated
	content map[string]struct{}
	words   map[string]struct{}
}

func analyze(text string) polarity {
	p := polarity{
		modals:  map[string]bool{},
		content: map[string]struct{}{},
		words:   map[string]struct{}{},
	}
	tokens := Tokenize(text)
	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		p.words[t] = struct{}{}
		if m, ok := contractions[t]; ok {
			p.modals[m] = true
			continue
		}
		if modals[t] {
			negated := i+1 < len(tokens) && negators[tokens[i+1]]
			// A modal seen both ways in one statement counts as negated.
			p.modals[t] = p.modals[t] || negated
			if negated {
				i++
			}
			continue
		}
		if negators[t] {
			continue
		}
		p.content[t] = struct{}{}
	}
	return p
}

func contradiction(left, right string) float64 {
	l := analyze(left)
	r := analyze(right)

	opposed := false
	for m, neg := range l.modals {
		if rneg, ok := r.modals[m]; ok && rneg != neg {
			opposed = true
			break
		}
	}
	if !opposed {
		for _, pair := range antonyms {
			if has(l.words, pair[0]) && has(r.words, pair[1]) || has(l.words, pair[1]) && has(r.words, pair[0]) {
				opposed = true
				break
			}
		}
	}
	if !opposed {
		return 0
	}
	return Clamp(0.6 + 0.4*jaccard(l.content, r.content))
}

func has(set map[string]struct{}, k string) bool {
	_, ok := set[k]
	return ok
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
