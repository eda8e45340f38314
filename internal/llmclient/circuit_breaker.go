package llmclient

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = errors.New("llmclient: circuit breaker is open")

// CircuitBreakerConfig configures trip/reset thresholds.
type CircuitBreakerConfig struct {
	MaxFailures          uint32
	Timeout              time.Duration
	HalfOpenMaxSuccesses uint32
}

// DefaultCircuitBreakerConfig trips after 3 consecutive failures, stays open
// for 30s, and allows 2 requests through while half-open.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{MaxFailures: 3, Timeout: 30 * time.Second, HalfOpenMaxSuccesses: 2}
}

// CircuitBreakingLLM wraps an LLM so a struggling provider fails fast
// instead of stacking up latency: the breaker trips after MaxFailures
// consecutive failures. A failed call is not retried here and there is no
// backoff retry around this wrapper; its error is returned as is.
type CircuitBreakingLLM struct {
	inner   LLM
	breaker *gobreaker.CircuitBreaker
}

func NewCircuitBreakingLLM(inner LLM, cfg CircuitBreakerConfig) *CircuitBreakingLLM {
	settings := gobreaker.Settings{
		Name:        "LLMCircuitBreaker",
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
	}
	return &CircuitBreakingLLM{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (c *CircuitBreakingLLM) Complete(ctx context.Context, prompt string) (string, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.inner.Complete(ctx, prompt)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return "", ErrCircuitOpen
		}
		return "", err
	}
	return result.(string), nil
}

func (c *CircuitBreakingLLM) Model() string { return c.inner.Model() }

func (c *CircuitBreakingLLM) State() string {
	switch c.breaker.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
