// Package scoring abstracts the similarity and contradiction models used by
// conflict detection. The lexical scorer is deterministic and in-process; the
// HTTP scorer delegates to a remote model service.
package scoring

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Kind selects what a Scorer measures.
type Kind string

const (
	// KindSimilarity scores how close two statements are in meaning.
	KindSimilarity Kind = "similarity"
	// KindContradiction scores how strongly two statements oppose each other.
	KindContradiction Kind = "contradiction"
)

// Input is a pair of statements to score.
type Input struct {
	Kind  Kind   `json:"kind"`
	Left  string `json:"left"`
	Right string `json:"right"`
}

// Scorer returns a score in [0,1] for the given input.
type Scorer interface {
	Score(ctx context.Context, in Input) (float64, error)
}

// Clamp bounds v to [0,1].
func Clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Tokenize lowercases, NFC-normalizes and splits text into word tokens.
// Apostrophes stay inside tokens so contractions survive.
func Tokenize(text string) []string {
	text = strings.ToLower(norm.NFC.String(text))
	text = strings.ReplaceAll(text, "’", "'")
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
