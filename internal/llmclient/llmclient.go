// Package llmclient provides the LLM abstraction used by the Planner,
// Extractor, and ReportGenerationAgent: single-string completion and a
// structured JSON completion helper that validates the response and
// retries once with a repair prompt on malformed output.
package llmclient

import "context"

// LLM is the interface every provider adapter satisfies: single-string
// completion, no chat history threading, since every MemFuse caller builds
// its own full prompt text rather than a message list.
type LLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Model() string
}
