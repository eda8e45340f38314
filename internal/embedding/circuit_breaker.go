package embedding

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the breaker has tripped and is rejecting
// calls to protect the embedding provider from cascading failures.
var ErrCircuitOpen = errors.New("embedding: circuit breaker is open")

// CircuitBreakerConfig configures the trip/reset thresholds.
type CircuitBreakerConfig struct {
	MaxFailures          uint32
	Timeout              time.Duration
	HalfOpenMaxSuccesses uint32
}

// DefaultCircuitBreakerConfig matches the LLM client's breaker defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{MaxFailures: 3, Timeout: 30 * time.Second, HalfOpenMaxSuccesses: 2}
}

// CircuitBreakingEmbedder wraps an Embedder with a gobreaker circuit
// breaker so a struggling embedding provider degrades the retrieval and
// extraction pipelines instead of
// piling up latency behind a dead dependency.
type CircuitBreakingEmbedder struct {
	inner   Embedder
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakingEmbedder wraps inner with a breaker built from cfg.
func NewCircuitBreakingEmbedder(inner Embedder, cfg CircuitBreakerConfig) *CircuitBreakingEmbedder {
	settings := gobreaker.Settings{
		Name:        "EmbedderCircuitBreaker",
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
	}
	return &CircuitBreakingEmbedder{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (c *CircuitBreakingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.inner.Embed(ctx, text)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return result.([]float32), nil
}

func (c *CircuitBreakingEmbedder) Model() string  { return c.inner.Model() }
func (c *CircuitBreakingEmbedder) Dimension() int { return c.inner.Dimension() }

// State reports the breaker's current state ("closed", "open", "half-open").
func (c *CircuitBreakingEmbedder) State() string {
	switch c.breaker.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
