package extractor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/memfuse/internal/llmclient"
	"github.com/scrypster/memfuse/pkg/types"
)

const relatedFactCount = 8

// processJob loads the target rounds, invokes the LLM in structured-JSON
// mode, and inserts the surviving candidates after the dedup/near-dedup/
// contradiction/MECE gates. Returns the number of facts inserted.
func (e *Extractor) processJob(ctx context.Context, j job) (int, error) {
	rounds, err := e.loadRounds(ctx, j.sessionID, j.roundIDs)
	if err != nil {
		return 0, fmt.Errorf("extractor: load rounds: %w", err)
	}
	if len(rounds) == 0 {
		return 0, nil
	}

	lastText := rounds[len(rounds)-1].CombinedContent()
	relatedFacts := e.loadRelatedFacts(ctx, j.sessionID, lastText)

	prompt := buildPrompt(rounds, relatedFacts)

	var resp extractionRequest
	if err := llmclient.CompleteJSON(ctx, e.llm, prompt, &resp); err != nil {
		return 0, fmt.Errorf("extractor: structured completion: %w", err)
	}

	candidates := e.validateAndEmbed(ctx, resp.Items)
	if len(candidates) == 0 {
		return 0, nil
	}

	dedupThreshold := e.cfg.DedupSimThreshold
	if dedupThreshold <= 0 {
		dedupThreshold = 0.95
	}
	candidates = meceCluster(candidates, dedupThreshold)

	inserted := 0
	for _, c := range candidates {
		ok, err := e.insertCandidate(ctx, j.sessionID, j.roundIDs[len(j.roundIDs)-1], c)
		if err != nil {
			e.log.Warn().Err(err).Msg("extractor: candidate insert failed")
			continue
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

// validateAndEmbed normalizes each raw candidate's type, drops empty
// content, and computes its embedding; candidates that fail either check
// are silently skipped rather than aborting the batch.
func (e *Extractor) validateAndEmbed(ctx context.Context, raw []types.FactCandidate) []extractionCandidate {
	const maxCandidates = 24
	if len(raw) > maxCandidates {
		raw = raw[:maxCandidates]
	}

	out := make([]extractionCandidate, 0, len(raw))
	for _, item := range raw {
		factType, ok := item.Normalize()
		if !ok {
			continue
		}
		content := strings.TrimSpace(item.Content)
		if content == "" {
			continue
		}
		emb, err := e.embedder.Embed(ctx, content)
		if err != nil {
			e.log.Warn().Err(err).Msg("extractor: candidate embedding failed, skipping")
			continue
		}
		out = append(out, extractionCandidate{
			factType:   factType,
			content:    content,
			relations:  item.Relations,
			metadata:   item.Metadata,
			confidence: item.Confidence,
			embedding:  emb,
		})
	}
	return out
}

// insertCandidate applies the exact-dedup, near-dedup, and contradiction
// gates against existing same-type facts before inserting.
func (e *Extractor) insertCandidate(ctx context.Context, sessionID string, sourceRoundID int64, c extractionCandidate) (bool, error) {
	dedupThreshold := e.cfg.DedupSimThreshold
	if dedupThreshold <= 0 {
		dedupThreshold = 0.95
	}
	contradictionThreshold := e.cfg.ContradictionSimThreshold
	if contradictionThreshold <= 0 {
		contradictionThreshold = 0.88
	}

	similar, err := e.facts.SimilarSameTypeFacts(ctx, sessionID, c.factType, c.embedding, 5)
	if err != nil {
		e.log.Warn().Err(err).Msg("extractor: similarity lookup failed, proceeding without dedup context")
		similar = nil
	}

	relations := c.relations
	for _, s := range similar {
		if strings.EqualFold(strings.TrimSpace(s.Item.Content), c.content) {
			return false, nil // exact dedup on (type, content)
		}
	}
	for _, s := range similar {
		if s.Score >= dedupThreshold {
			e.log.Debug().Str("usage_note", "near-duplicate of existing fact, skipped").
				Str("fact_id", s.Item.FactID).Float64("similarity", s.Score).Msg("extractor: near-dedup skip")
			return false, nil
		}
	}
	for _, s := range similar {
		if s.Score >= contradictionThreshold && relations.Contradicts != "" {
			relations.Contradicts = s.Item.FactID
			break
		}
	}

	fact := &types.Fact{
		FactID:        uuid.New().String(),
		SessionID:     sessionID,
		SourceRoundID: sourceRoundID,
		Type:          c.factType,
		Content:       c.content,
		Relations:     relations,
		Metadata:      c.metadata,
		Embedding:     c.embedding,
		CreatedAt:     time.Now(),
	}
	return e.facts.InsertFact(ctx, fact)
}

// loadRelatedFacts vector-recalls a small context window of recent facts by
// the target text: a small context window of recent facts
// (vector-recalled by round text)".
func (e *Extractor) loadRelatedFacts(ctx context.Context, sessionID, text string) []*types.Fact {
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil
	}
	n := e.cfg.ContextFactCount
	if n <= 0 {
		n = relatedFactCount
	}
	scored, err := e.facts.VectorSearchFacts(ctx, sessionID, vec, n)
	if err != nil {
		return nil
	}
	out := make([]*types.Fact, 0, len(scored))
	for _, s := range scored {
		out = append(out, s.Item)
	}
	return out
}

// loadRounds reconstructs the target rounds' user/assistant turns from the
// session's turn history. TurnStore has no round-indexed lookup, so this
// scans recent turns and buckets them by round id — acceptable for the
// bounded number of rounds a trigger ever names at once.
func (e *Extractor) loadRounds(ctx context.Context, sessionID string, roundIDs []int64) ([]*types.Round, error) {
	want := make(map[int64]bool, len(roundIDs))
	for _, id := range roundIDs {
		want[id] = true
	}

	const scanLimit = 500
	turns, err := e.turns.ListTurns(ctx, sessionID, scanLimit)
	if err != nil {
		return nil, err
	}

	byRound := make(map[int64]*types.Round, len(roundIDs))
	for _, t := range turns {
		if !want[t.RoundID] {
			continue
		}
		r, ok := byRound[t.RoundID]
		if !ok {
			r = &types.Round{SessionID: sessionID, RoundID: t.RoundID}
			byRound[t.RoundID] = r
		}
		switch t.Speaker {
		case types.SpeakerUser:
			r.User = t
		case types.SpeakerAssistant:
			r.Assistant = t
		}
	}

	out := make([]*types.Round, 0, len(roundIDs))
	for _, id := range roundIDs {
		if r, ok := byRound[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}
