package embedding

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	calls     int32
	failFirst int32
	dim       int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failFirst {
		return nil, errors.New("boom")
	}
	v := make([]float32, f.dim)
	for i := range v {
		v[i] = float32(len(text))
	}
	return v, nil
}
func (f *fakeEmbedder) Model() string  { return "fake-model" }
func (f *fakeEmbedder) Dimension() int { return f.dim }

func TestCachingEmbedderReusesResult(t *testing.T) {
	fake := &fakeEmbedder{dim: 4}
	cached, err := NewCachingEmbedder(fake, 16)
	require.NoError(t, err)

	v1, err := cached.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	v2, err := cached.Embed(context.Background(), "hello world")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.EqualValues(t, 1, fake.calls, "second call for the same text must hit the cache")
}

func TestCachingEmbedderDistinguishesText(t *testing.T) {
	fake := &fakeEmbedder{dim: 4}
	cached, err := NewCachingEmbedder(fake, 16)
	require.NoError(t, err)

	_, err = cached.Embed(context.Background(), "alpha")
	require.NoError(t, err)
	_, err = cached.Embed(context.Background(), "beta")
	require.NoError(t, err)

	assert.EqualValues(t, 2, fake.calls)
}

func TestCircuitBreakingEmbedderTripsAfterFailures(t *testing.T) {
	fake := &fakeEmbedder{dim: 4, failFirst: 10}
	cb := NewCircuitBreakingEmbedder(fake, CircuitBreakerConfig{MaxFailures: 2, HalfOpenMaxSuccesses: 1})

	_, err := cb.Embed(context.Background(), "x")
	assert.Error(t, err)
	_, err = cb.Embed(context.Background(), "x")
	assert.Error(t, err)

	_, err = cb.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, "open", cb.State())
}
