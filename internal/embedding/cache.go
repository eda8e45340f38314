package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// CachingEmbedder memoizes Embed calls by content hash and coalesces
// concurrent requests for the same text into a single upstream call, using
// golang.org/x/sync/singleflight — the standard library extension
// project's canonical tool for this exact "one flight per key" shape —
// instead of hand-rolling a mutex-guarded in-flight map.
type CachingEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
	group singleflight.Group
}

// NewCachingEmbedder wraps inner with an LRU cache holding up to size
// entries.
func NewCachingEmbedder(inner Embedder, size int) (*CachingEmbedder, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachingEmbedder{inner: inner, cache: cache}, nil
}

func cacheKey(model, text string) string {
	h := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(h[:])
}

func (c *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(c.inner.Model(), text)
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		emb, err := c.inner.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, emb)
		return emb, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

func (c *CachingEmbedder) Model() string  { return c.inner.Model() }
func (c *CachingEmbedder) Dimension() int { return c.inner.Dimension() }
