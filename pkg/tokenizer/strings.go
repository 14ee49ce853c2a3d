package tokenizer

import "strings"

// StringsTokenizer approximates token count by whitespace-splitting the
// prompt. Cheap, no model-specific BPE, useful for providers that don't
// declare an OpenAI-compatible encoding.
type StringsTokenizer struct{}

func (r *StringsTokenizer) CalculateTokenNum(prompt string) (int, error) {
	return len(strings.Fields(prompt)), nil
}
