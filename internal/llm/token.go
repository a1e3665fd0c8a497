package llm

import "strings"

// EstimateTokens gives a rough token count from the word count.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	// Roughly 0.75 words per token for English text.
	tokens := int(float64(len(strings.Fields(text))) * 1.33)
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// outputBudget sizes max_tokens for a structuring call. The response echoes
// the window's paragraphs plus JSON overhead.
func outputBudget(window string) int {
	budget := EstimateTokens(window)*3/2 + 1024
	if budget < 2048 {
		budget = 2048
	}
	if budget > 16000 {
		budget = 16000
	}
	return budget
}
