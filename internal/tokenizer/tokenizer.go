// Package tokenizer provides deterministic cl100k_base-compatible token
// counting and truncation, used by the Context Controller and the
// Extractor's trigger-token accounting. It provides count/truncate
// methods (Count, TruncateSuffixPreserving, TruncateTail) built
// on the Go tiktoken-go port of the same
// encoding.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts and truncates text against the cl100k_base encoding. It is
// safe for concurrent use; the underlying BPE encoder is loaded once.
type Counter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// Global is the package-level counter used by callers that don't need a
// dedicated instance. Components should still take a *Counter explicitly
// rather than reaching for this — it exists for cheap call sites like tests.
var Global = &Counter{}

func (c *Counter) encoding() (*tiktoken.Tiktoken, error) {
	c.once.Do(func() {
		c.enc, c.err = tiktoken.GetEncoding("cl100k_base")
	})
	return c.enc, c.err
}

// Count returns the number of cl100k_base tokens in text. On the rare
// failure to load the BPE table (offline install with no cached ranks) it
// falls back to a 4-characters-per-token estimate rather than erroring,
// since token counting is used for soft budget enforcement, not billing.
func (c *Counter) Count(text string) int {
	enc, err := c.encoding()
	if err != nil {
		return estimateTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// TruncateSuffixPreserving truncates text to at most maxTokens tokens by
// dropping tokens from the middle, keeping both the head and the tail —
// used for the user query ("truncation is suffix-preserving for
// natural continuation (drop from the middle, not the tail)"). When the
// text already fits, it is returned unchanged.
func (c *Counter) TruncateSuffixPreserving(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	enc, err := c.encoding()
	if err != nil {
		return estimateTruncateSuffixPreserving(text, maxTokens)
	}
	ids := enc.Encode(text, nil, nil)
	if len(ids) <= maxTokens {
		return text
	}
	head := maxTokens / 2
	tail := maxTokens - head
	kept := make([]int, 0, maxTokens)
	kept = append(kept, ids[:head]...)
	kept = append(kept, ids[len(ids)-tail:]...)
	return enc.Decode(kept)
}

// TruncateTail truncates text to at most maxTokens tokens by keeping the
// tail (most recent content) and dropping the head. No other package in
// the module calls it.
func (c *Counter) TruncateTail(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	enc, err := c.encoding()
	if err != nil {
		return estimateTruncateTail(text, maxTokens)
	}
	ids := enc.Encode(text, nil, nil)
	if len(ids) <= maxTokens {
		return text
	}
	return enc.Decode(ids[len(ids)-maxTokens:])
}

// estimateTokens is the chunker-style 4-characters-per-token heuristic used
// only when the BPE table cannot be loaded.
func estimateTokens(text string) int {
	chars := len(text)
	return (chars + 3) / 4
}

func estimateTruncateTail(text string, maxTokens int) string {
	maxChars := maxTokens * 4
	if len(text) <= maxChars {
		return text
	}
	return text[len(text)-maxChars:]
}

func estimateTruncateSuffixPreserving(text string, maxTokens int) string {
	maxChars := maxTokens * 4
	if len(text) <= maxChars {
		return text
	}
	head := maxChars / 2
	tail := maxChars - head
	return text[:head] + text[len(text)-tail:]
}
