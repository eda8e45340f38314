// Package embedding provides the Embedder abstraction used by the
// Retriever, Extractor, and Orchestrator to turn text into vectors, plus a
// circuit-breaker wrapper and an LRU cache with request coalescing sitting
// in front of any concrete provider.
package embedding

import "context"

// Embedder generates a fixed-dimension vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dimension() int
}
