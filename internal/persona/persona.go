// Package persona maps the assistantType enum to its system prompt template.
// The persona only changes the prompt; it never affects provider selection.
package persona

const (
	General = "general"
	Analyst = "analyst"
	Trader  = "trader"
)

var prompts = map[string]string{
	General: "You are a helpful financial chat assistant. Answer clearly and " +
		"concisely. If a question is about a specific stock, mention the ticker " +
		"symbol in your answer.",
	Analyst: "You are a market analyst assistant. Focus on fundamentals, " +
		"valuation and recent filings. Be precise about what is fact and what " +
		"is opinion.",
	Trader: "You are a trading assistant. Focus on price action, levels and " +
		"risk. Keep answers short and actionable. Never promise returns.",
}

// SystemPrompt returns the prompt for the given assistant type, defaulting
// to the general persona for unknown values.
func SystemPrompt(assistantType string) string {
	if p, ok := prompts[assistantType]; ok {
		return p
	}
	return prompts[General]
}

// Valid reports whether the assistant type is a known persona.
func Valid(assistantType string) bool {
	_, ok := prompts[assistantType]
	return ok
}
