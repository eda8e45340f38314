// Package store defines the persistence interfaces over the four M1/M2/M3
// tables (plus lessons) and the extractor's durable per-session marker.
// Interfaces are segregated by concern, so callers depend only on the
// slice of behavior they need and backends can implement subsets
// independently during development.
package store

import (
	"context"
	"time"

	"github.com/scrypster/memfuse/pkg/types"
)

// Scored wraps a recalled record with the score it was retrieved under,
// used by ChunkStore/FactStore/WorkflowStore
// vector and keyword search methods.
type Scored[T any] struct {
	Item  T
	Score float64
}

// TurnStore persists M1 episodic turns. Turns are append-only.
type TurnStore interface {
	// AppendTurn inserts a turn. Callers are responsible for round-id
	// monotonicity (via NextRoundID under the session mutex); AppendTurn
	// itself does not serialize concurrent callers for the same session.
	AppendTurn(ctx context.Context, turn *types.Turn) error

	// ListTurns returns up to limit turns for a session, newest-first.
	ListTurns(ctx context.Context, sessionID string, limit int) ([]*types.Turn, error)

	// NextRoundID atomically increments and returns the next dense
	// per-session round id (Open Question 1: per-session dense, not
	// globally monotonic).
	NextRoundID(ctx context.Context, sessionID string) (int64, error)
}

// ChunkStore persists M1 document chunks.
type ChunkStore interface {
	// UpsertChunk inserts a chunk. Returns inserted=false when a row
	// already exists for (document_source, content_hash) — the idempotent
	// no-op case.
	UpsertChunk(ctx context.Context, chunk *types.Chunk) (inserted bool, err error)

	// VectorSearchChunks returns the topK chunks nearest to embedding
	// under cosine distance. When sessionID is non-empty, restricts to
	// that session's chunks.
	VectorSearchChunks(ctx context.Context, embedding []float32, topK int, sessionID string) ([]Scored[*types.Chunk], error)

	// CountSessionChunks reports how many chunks are scoped to sessionID,
	// used by the Retriever's session-scoped fast-path check.
	CountSessionChunks(ctx context.Context, sessionID string) (int, error)

	// FetchRecentChunks returns up to limit chunks ordered by recency,
	// without any similarity ranking — the Retriever's basic fallback
	// when vector search is unavailable or returns nothing.
	FetchRecentChunks(ctx context.Context, limit int, sessionID string) ([]*types.Chunk, error)
}

// FactStore persists M2 structured facts.
type FactStore interface {
	// InsertFact inserts a fact. Returns inserted=false when a row already
	// exists for (session_id, type, content) — the exact-dedup case.
	InsertFact(ctx context.Context, fact *types.Fact) (inserted bool, err error)

	// VectorSearchFacts returns the topK facts nearest to embedding under
	// cosine distance, scoped to sessionID.
	VectorSearchFacts(ctx context.Context, sessionID string, embedding []float32, topK int) ([]Scored[*types.Fact], error)

	// KeywordSearchFacts returns facts whose content matches any of
	// keywords (case-insensitive), scoped to sessionID. The postgres store
	// scores by match fraction; the sqlite store derives the score from the
	// FTS5 bm25 rank.
	KeywordSearchFacts(ctx context.Context, sessionID string, keywords []string, topK int) ([]Scored[*types.Fact], error)

	// SimilarSameTypeFacts returns the topK facts of the same type in the
	// session ranked by cosine similarity to embedding — used by the
	// Extractor's dedup and contradiction gates.
	SimilarSameTypeFacts(ctx context.Context, sessionID string, factType types.FactType, embedding []float32, topK int) ([]Scored[*types.Fact], error)

	// GetFact loads a single fact by id, used to resolve a contradiction
	// target's identity.
	GetFact(ctx context.Context, factID string) (*types.Fact, error)
}

// WorkflowStore persists M3 procedural workflows.
type WorkflowStore interface {
	// InsertWorkflow inserts a new workflow with UsageCount=0.
	InsertWorkflow(ctx context.Context, workflow *types.Workflow) error

	// VectorSearchWorkflows returns the topK workflows nearest to
	// embedding under cosine distance over trigger_embedding.
	VectorSearchWorkflows(ctx context.Context, embedding []float32, topK int) ([]Scored[*types.Workflow], error)

	// BumpUsage increments usage_count by exactly one and sets updated_at
	// to now, per testable property 5.
	BumpUsage(ctx context.Context, workflowID string) error

	// GetWorkflow loads a single workflow by id.
	GetWorkflow(ctx context.Context, workflowID string) (*types.Workflow, error)

	// ListWorkflows returns every stored workflow, used by the periodic
	// compaction sweep to find near-duplicate clusters that accumulated
	// despite the Reuse-Lookup dedup gate (e.g. two distinct sessions
	// distilling the same goal concurrently before either row existed).
	ListWorkflows(ctx context.Context) ([]*types.Workflow, error)

	// DeleteWorkflow removes a workflow row, used by the compaction sweep
	// to drop a cluster's non-survivor duplicates after folding their
	// usage into the kept row.
	DeleteWorkflow(ctx context.Context, workflowID string) error
}

// LessonStore persists step-level outcomes attached to M3.
type LessonStore interface {
	InsertLesson(ctx context.Context, lesson *types.Lesson) error

	// RecentLessonsForAgent returns up to limit recent lessons for agent,
	// used to bias repair prompts with prior fixes.
	RecentLessonsForAgent(ctx context.Context, agent string, limit int) ([]*types.Lesson, error)

	// PruneLessonsOlderThan deletes lessons created before cutoff and
	// reports how many rows were removed, used by the periodic
	// lesson-retention sweep.
	PruneLessonsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ExtractorMarkerStore implements the Extractor's durable, crash-safe
// per-session queue: a persisted
// marker of the last extracted round id, plus a pending-jobs table that
// survives a process restart.
type ExtractorMarkerStore interface {
	// LastExtractedRoundID returns the last round id whose extraction job
	// completed for sessionID, or 0 if the session has never been
	// extracted.
	LastExtractedRoundID(ctx context.Context, sessionID string) (int64, error)

	// MarkExtracted advances the per-session marker to roundID.
	MarkExtracted(ctx context.Context, sessionID string, roundID int64) error

	// EnqueuePending records that sessionID/roundID is awaiting
	// extraction, surviving a crash before the in-memory job queue drains.
	EnqueuePending(ctx context.Context, sessionID string, roundID int64) error

	// ListPending returns all sessions with an outstanding extraction
	// marker, used by the worker pool's startup recovery sweep.
	ListPending(ctx context.Context) ([]PendingExtraction, error)

	// ClearPending removes the pending marker once a job completes
	// (successfully or after exhausting retries).
	ClearPending(ctx context.Context, sessionID string, roundID int64) error
}

// PendingExtraction is one row of the durable extractor queue.
type PendingExtraction struct {
	SessionID string
	RoundID   int64
	EnqueuedAt time.Time
	Attempt   int
}

// Store is the composite interface a backend must satisfy in full. Callers
// that only need a slice of behavior should depend on the narrower
// interfaces above instead.
type Store interface {
	TurnStore
	ChunkStore
	FactStore
	WorkflowStore
	LessonStore
	ExtractorMarkerStore

	Close() error
}
