package tokenizer

import "math"

// SimpleEstimateTokenizer approximates tokens as characters/charsPerToken,
// matching spec §4.6's "promptTokens ≈ totalCharacters/4" approximation.
type SimpleEstimateTokenizer struct {
	CharactersPerToken float64
}

// NewSimpleEstimateTokenizer returns the spec-default chars/4 estimator.
func NewSimpleEstimateTokenizer() Tokenizer {
	return &SimpleEstimateTokenizer{CharactersPerToken: 4.0}
}

func (s *SimpleEstimateTokenizer) CalculateTokenNum(prompt string) (int, error) {
	if prompt == "" {
		return 0, nil
	}
	return int(math.Ceil(float64(len(prompt)) / s.CharactersPerToken)), nil
}
