// Package retriever implements the hybrid recall pipeline described in
// a session-preferring vector search over chunks, a vector+keyword
// fusion over structured facts, a vector search over workflow triggers, and
// a final interleave-and-dedup pass across all three streams.
package retriever

import (
	"context"
	"sort"

	"github.com/scrypster/memfuse/internal/config"
	"github.com/scrypster/memfuse/internal/embedding"
	"github.com/scrypster/memfuse/internal/store"
	"github.com/scrypster/memfuse/pkg/types"
)

const maxKeywordTerms = 8

// Retriever fuses M1 chunk recall, M2 fact recall, and M3 workflow recall
// into a single ranked stream.
type Retriever struct {
	chunks    store.ChunkStore
	facts     store.FactStore
	workflows store.WorkflowStore
	embedder  embedding.Embedder
	cfg       config.RetrievalConfig
}

func New(chunks store.ChunkStore, facts store.FactStore, workflows store.WorkflowStore, embedder embedding.Embedder, cfg config.RetrievalConfig) *Retriever {
	return &Retriever{chunks: chunks, facts: facts, workflows: workflows, embedder: embedder, cfg: cfg}
}

// Options is the Retriever's request shape.
type Options struct {
	Query            string
	SessionID        string
	TopK             int
	PreferSession    bool
	IncludeChunks    bool
	IncludeFacts     bool
	IncludeWorkflows bool
	// WorkflowBoost multiplies workflow-stream scores before fusion, used
	// by the Router's tag=m3 recall bias. Zero means no boost (1.0).
	WorkflowBoost float64
}

// scoredWithTime carries the recency tie-break key alongside a fused item.
type scoredWithTime struct {
	item      types.RecallItem
	createdAt int64 // unix nanos; recency tie-break, descending
}

// Retrieve runs the full fused-recall pipeline and returns up to opts.TopK
// items ordered by descending score, ties broken by recency.
func (r *Retriever) Retrieve(ctx context.Context, opts Options) ([]types.RecallItem, error) {
	if opts.TopK <= 0 {
		opts.TopK = r.cfg.RAGTopK
	}
	boost := opts.WorkflowBoost
	if boost <= 0 {
		boost = 1.0
	}

	queryEmbedding, embedErr := r.embedder.Embed(ctx, opts.Query)
	if embedErr != nil {
		queryEmbedding = nil
	}

	var candidates []scoredWithTime

	if opts.IncludeChunks {
		chunkItems, err := r.retrieveChunks(ctx, opts, queryEmbedding)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, chunkItems...)
	}

	if opts.IncludeFacts {
		factItems, err := r.retrieveFacts(ctx, opts, queryEmbedding)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, factItems...)
	}

	if opts.IncludeWorkflows && queryEmbedding != nil {
		workflowItems, err := r.retrieveWorkflows(ctx, queryEmbedding, boost)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, workflowItems...)
	}

	return fuse(candidates, opts.TopK), nil
}

// retrieveChunks implements steps 2 and 6: session-preferring vector search
// over chunks, falling back to a plain recency fetch when the vector query
// comes back empty (degenerate approximate-index miss on a small or
// unembedded corpus).
func (r *Retriever) retrieveChunks(ctx context.Context, opts Options, queryEmbedding []float32) ([]scoredWithTime, error) {
	preferSession := opts.PreferSession || r.cfg.PreferSession
	scopeSessionID := ""
	if preferSession && opts.SessionID != "" {
		n, err := r.chunks.CountSessionChunks(ctx, opts.SessionID)
		if err == nil && n > 0 {
			scopeSessionID = opts.SessionID
		}
	}

	var scored []store.Scored[*types.Chunk]
	if queryEmbedding != nil {
		found, err := r.chunks.VectorSearchChunks(ctx, queryEmbedding, r.cfg.RAGTopK, scopeSessionID)
		if err == nil {
			scored = found
		}
	}

	if len(scored) == 0 {
		fallbackLimit := r.cfg.RAGTopK
		if fallbackLimit > 3 {
			fallbackLimit = 3
		}
		recent, err := r.chunks.FetchRecentChunks(ctx, fallbackLimit, scopeSessionID)
		if err != nil {
			return nil, nil
		}
		for _, c := range recent {
			scored = append(scored, store.Scored[*types.Chunk]{Item: c, Score: 0.0})
		}
	}

	out := make([]scoredWithTime, 0, len(scored))
	for _, s := range scored {
		out = append(out, scoredWithTime{
			item: types.RecallItem{
				Kind:        types.RecallKindChunk,
				Content:     s.Item.Content,
				Score:       s.Score,
				Origin:      s.Item.DocumentSource,
				ContentHash: types.ContentHash(s.Item.Content),
				Chunk:       s.Item,
			},
			createdAt: s.Item.CreatedAt.UnixNano(),
		})
	}
	return out, nil
}

// retrieveFacts implements step 3: vector top-k and keyword top-k over
// facts, merged by fact id with score = max(vector, alpha*keyword).
func (r *Retriever) retrieveFacts(ctx context.Context, opts Options, queryEmbedding []float32) ([]scoredWithTime, error) {
	alpha := r.cfg.KeywordFusionAlpha
	if alpha <= 0 {
		alpha = 0.7
	}

	merged := make(map[string]*types.Fact)
	scores := make(map[string]float64)

	if queryEmbedding != nil {
		vecResults, err := r.facts.VectorSearchFacts(ctx, opts.SessionID, queryEmbedding, r.cfg.StructuredTopK)
		if err == nil {
			for _, s := range vecResults {
				merged[s.Item.FactID] = s.Item
				if s.Score > scores[s.Item.FactID] {
					scores[s.Item.FactID] = s.Score
				}
			}
		}
	}

	keywords := extractKeywords(opts.Query, maxKeywordTerms)
	if len(keywords) > 0 {
		kwResults, err := r.facts.KeywordSearchFacts(ctx, opts.SessionID, keywords, r.cfg.StructuredTopK)
		if err == nil {
			for _, s := range kwResults {
				merged[s.Item.FactID] = s.Item
				weighted := alpha * s.Score
				if weighted > scores[s.Item.FactID] {
					scores[s.Item.FactID] = weighted
				}
			}
		}
	}

	out := make([]scoredWithTime, 0, len(merged))
	for id, fact := range merged {
		out = append(out, scoredWithTime{
			item: types.RecallItem{
				Kind:        types.RecallKindFact,
				Content:     fact.Content,
				Score:       scores[id],
				Origin:      string(fact.Type),
				ContentHash: types.ContentHash(fact.Content),
				Fact:        fact,
			},
			createdAt: fact.CreatedAt.UnixNano(),
		})
	}
	return out, nil
}

// retrieveWorkflows implements step 4: vector top-k against workflow
// trigger embeddings, with an optional score boost applied by tag=m3
// recall bias.
func (r *Retriever) retrieveWorkflows(ctx context.Context, queryEmbedding []float32, boost float64) ([]scoredWithTime, error) {
	scored, err := r.workflows.VectorSearchWorkflows(ctx, queryEmbedding, r.cfg.ProceduralTopK)
	if err != nil {
		return nil, nil
	}

	out := make([]scoredWithTime, 0, len(scored))
	for _, s := range scored {
		content := workflowContent(s.Item)
		out = append(out, scoredWithTime{
			item: types.RecallItem{
				Kind:        types.RecallKindWorkflow,
				Content:     content,
				Score:       s.Score * boost,
				Origin:      s.Item.WorkflowID,
				ContentHash: types.ContentHash(content),
				Workflow:    s.Item,
			},
			createdAt: s.Item.UpdatedAt.UnixNano(),
		})
	}
	return out, nil
}

// workflowContent renders a stable textual representation of a workflow's
// trigger pattern for dedup and context-insertion purposes.
func workflowContent(w *types.Workflow) string {
	if w.TriggerPattern != "" {
		return w.TriggerPattern
	}
	return w.WorkflowID
}

// fuse interleaves candidates by descending score, dedups on content hash
// (first occurrence — the highest-scoring instance, since candidates are
// sorted before the dedup pass — wins), and caps the result at topK.
func fuse(candidates []scoredWithTime, topK int) []types.RecallItem {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].item.Score != candidates[j].item.Score {
			return candidates[i].item.Score > candidates[j].item.Score
		}
		return candidates[i].createdAt > candidates[j].createdAt
	})

	seen := make(map[string]bool, len(candidates))
	out := make([]types.RecallItem, 0, topK)
	for _, c := range candidates {
		if seen[c.item.ContentHash] {
			continue
		}
		seen[c.item.ContentHash] = true
		out = append(out, c.item)
		if len(out) >= topK {
			break
		}
	}
	return out
}
