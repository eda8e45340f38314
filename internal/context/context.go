// Package context assembles the final prompt sent to the LLM: a
// token-budgeted message list built from the system prompt, recent
// conversation history, and fused recall.
package context

import (
	"sort"

	"github.com/scrypster/memfuse/internal/config"
	"github.com/scrypster/memfuse/internal/tokenizer"
	"github.com/scrypster/memfuse/pkg/types"
)

// messageOverheadTokens approximates the per-message role/framing overhead
// a chat completion API charges beyond raw content tokens, matching the
// original implementation's flat +4 per message.
const messageOverheadTokens = 4

// Role values used in the assembled message list.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the ordered list the Context Controller builds.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Controller builds token-budgeted prompts.
type Controller struct {
	counter *tokenizer.Counter
	cfg     config.ContextConfig
}

func New(counter *tokenizer.Counter, cfg config.ContextConfig) *Controller {
	if counter == nil {
		counter = tokenizer.Global
	}
	return &Controller{counter: counter, cfg: cfg}
}

func (c *Controller) tokenCount(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += c.counter.Count(m.Content) + messageOverheadTokens
	}
	return total
}

// Build assembles the ordered message list: [system, history..., recall...,
// user], respecting configured token budgets and truncation guarantees.
//
//   - The query is truncated suffix-preserving (keep head and tail, drop the
//     middle) if it exceeds UserInputMaxTokens.
//   - turns must be supplied newest-first; they are accepted into history
//     newest-first until HistoryMaxTokens would be exceeded, dropping a
//     whole turn rather than splitting it, then re-ordered chronologically
//     for output.
//   - recall is deduped by content hash and ordered by descending score,
//     inserted between history and the query.
//   - If the combined message list still exceeds TotalContextMaxTokens, the
//     recall tail (lowest-scoring items) is dropped first, then the history
//     tail (oldest accepted turns), until it fits. The system message and
//     user query are never trimmed by this final pass.
func (c *Controller) Build(query string, turns []*types.Turn, recall []types.RecallItem, systemPrompt string) []Message {
	queryText := c.counter.TruncateSuffixPreserving(query, c.cfg.UserInputMaxTokens)

	acceptedNewestFirst := c.selectHistory(turns)
	recallMsgs := dedupRecall(recall)

	system := Message{Role: RoleSystem, Content: systemPrompt}
	userMsg := Message{Role: RoleUser, Content: queryText}

	for {
		history := chronological(acceptedNewestFirst)
		combined := assemble(system, history, recallMsgs, userMsg)
		if c.tokenCount(combined) <= c.cfg.TotalContextMaxTokens || (len(recallMsgs) == 0 && len(acceptedNewestFirst) == 0) {
			return combined
		}
		if len(recallMsgs) > 0 {
			recallMsgs = recallMsgs[:len(recallMsgs)-1]
			continue
		}
		acceptedNewestFirst = acceptedNewestFirst[:len(acceptedNewestFirst)-1]
	}
}

// selectHistory walks turns (newest-first) accepting whole turns until
// HistoryMaxTokens would be exceeded.
func (c *Controller) selectHistory(turns []*types.Turn) []*types.Turn {
	if c.cfg.HistoryMaxTokens <= 0 {
		return nil
	}
	var accepted []*types.Turn
	used := 0
	for _, t := range turns {
		cost := c.counter.Count(t.Content) + messageOverheadTokens
		if used+cost > c.cfg.HistoryMaxTokens {
			break
		}
		accepted = append(accepted, t)
		used += cost
	}
	return accepted
}

// chronological reverses a newest-first turn slice into oldest-first
// message order for output.
func chronological(newestFirst []*types.Turn) []Message {
	out := make([]Message, len(newestFirst))
	for i, t := range newestFirst {
		out[len(out)-1-i] = Message{Role: string(t.Speaker), Content: t.Content}
	}
	return out
}

// dedupRecall sorts recall items by descending score and drops any whose
// content hash has already been seen — a defensive second pass since the
// Retriever also dedups, kept here because the Context Controller is the
// last point before recall enters the prompt.
func dedupRecall(recall []types.RecallItem) []Message {
	sorted := make([]types.RecallItem, len(recall))
	copy(sorted, recall)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	seen := make(map[string]bool, len(sorted))
	out := make([]Message, 0, len(sorted))
	for _, item := range sorted {
		hash := item.ContentHash
		if hash == "" {
			hash = types.ContentHash(item.Content)
		}
		if seen[hash] {
			continue
		}
		seen[hash] = true
		out = append(out, Message{Role: RoleSystem, Content: formatRecallItem(item)})
	}
	return out
}

func formatRecallItem(item types.RecallItem) string {
	return "[" + string(item.Kind) + ": " + item.Origin + "]\n" + item.Content
}

func assemble(system Message, history, recall []Message, user Message) []Message {
	out := make([]Message, 0, 2+len(history)+len(recall))
	out = append(out, system)
	out = append(out, history...)
	out = append(out, recall...)
	out = append(out, user)
	return out
}
