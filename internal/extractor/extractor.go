// Package extractor implements the asynchronous M2 pipeline described in
// trigger rules that decide immediate vs. batched extraction, a
// durable per-session queue that survives a crash, a worker pool that
// invokes the LLM in structured-JSON mode, and dedup/near-dedup/
// contradiction gates before facts are inserted.
package extractor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scrypster/memfuse/internal/config"
	"github.com/scrypster/memfuse/internal/embedding"
	"github.com/scrypster/memfuse/internal/llmclient"
	"github.com/scrypster/memfuse/internal/store"
	"github.com/scrypster/memfuse/internal/tokenizer"
	"github.com/scrypster/memfuse/pkg/types"
)

// job is one unit of extraction work: one or more rounds for a session,
// accumulated by the trigger rules.
type job struct {
	sessionID string
	roundIDs  []int64
	attempt   int
}

// Extractor owns the trigger rules, durable queue, and worker pool for the
// M2 extraction pipeline.
type Extractor struct {
	turns    store.TurnStore
	facts    store.FactStore
	lessons  store.LessonStore
	markers  store.ExtractorMarkerStore
	embedder embedding.Embedder
	llm      llmclient.LLM
	counter  *tokenizer.Counter
	cfg      config.ExtractorConfig
	log      zerolog.Logger

	pendingMu     sync.Mutex
	pendingRounds map[string][]int64 // sessionID -> accumulated round ids awaiting batch trigger
	pendingTokens map[string]int     // sessionID -> accumulated token count

	sessionLocksMu sync.Mutex
	sessionLocks   map[string]*sync.Mutex // per-session single-flight serialization

	jobs   chan job
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(
	turns store.TurnStore,
	facts store.FactStore,
	lessons store.LessonStore,
	markers store.ExtractorMarkerStore,
	embedder embedding.Embedder,
	llm llmclient.LLM,
	counter *tokenizer.Counter,
	cfg config.ExtractorConfig,
	log zerolog.Logger,
) *Extractor {
	if counter == nil {
		counter = tokenizer.Global
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Extractor{
		turns:         turns,
		facts:         facts,
		lessons:       lessons,
		markers:       markers,
		embedder:      embedder,
		llm:           llm,
		counter:       counter,
		cfg:           cfg,
		log:           log,
		pendingRounds: make(map[string][]int64),
		pendingTokens: make(map[string]int),
		sessionLocks:  make(map[string]*sync.Mutex),
		jobs:          make(chan job, queueSize),
	}
}

// Start launches the worker pool and recovers any jobs left pending from a
// prior process's crash.
func (e *Extractor) Start(ctx context.Context) {
	if !e.cfg.Enabled {
		return
	}
	workerCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	numWorkers := e.cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 2
	}
	for i := 0; i < numWorkers; i++ {
		e.wg.Add(1)
		go e.worker(workerCtx, i)
	}

	e.recoverPending(ctx)
}

// recoverPending re-enqueues every durably-marked pending extraction from
// before a restart. Recovery re-runs each pending round as its own job
// rather than reconstructing the in-memory batch accumulator that produced
// it — the persisted marker only records "this round needs extraction",
// which recovery satisfies regardless of whether it was originally queued
// via the immediate or batched trigger path.
func (e *Extractor) recoverPending(ctx context.Context) {
	pending, err := e.markers.ListPending(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("extractor: failed to list pending jobs for recovery")
		return
	}
	for _, p := range pending {
		e.enqueue(job{sessionID: p.SessionID, roundIDs: []int64{p.RoundID}, attempt: p.Attempt})
	}
	if len(pending) > 0 {
		e.log.Info().Int("count", len(pending)).Msg("extractor: recovered pending jobs")
	}
}

// Stop drains the queue, letting in-flight jobs finish, then returns. It
// does not accept new work after being called.
func (e *Extractor) Stop(ctx context.Context, timeout time.Duration) {
	if e.cancel == nil {
		return
	}
	close(e.jobs)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		e.log.Warn().Msg("extractor: shutdown timeout reached, some jobs may be dropped")
	case <-ctx.Done():
	}
	e.cancel()
}

// OnRoundComplete applies the trigger rules: a round whose
// combined token count exceeds TriggerTokensSingle is extracted
// immediately; otherwise it accumulates into the session's pending batch
// until the batch exceeds TriggerTokensBatch.
func (e *Extractor) OnRoundComplete(ctx context.Context, round *types.Round) {
	if !e.cfg.Enabled {
		return
	}
	tokens := e.counter.Count(round.CombinedContent())

	if tokens > e.cfg.TriggerTokensSingle {
		if err := e.markers.EnqueuePending(ctx, round.SessionID, round.RoundID); err != nil {
			e.log.Warn().Err(err).Str("session_id", round.SessionID).Msg("extractor: failed to persist pending marker")
		}
		e.enqueue(job{sessionID: round.SessionID, roundIDs: []int64{round.RoundID}})
		return
	}

	e.pendingMu.Lock()
	e.pendingRounds[round.SessionID] = append(e.pendingRounds[round.SessionID], round.RoundID)
	e.pendingTokens[round.SessionID] += tokens
	total := e.pendingTokens[round.SessionID]
	roundIDs := append([]int64(nil), e.pendingRounds[round.SessionID]...)
	e.pendingMu.Unlock()

	if err := e.markers.EnqueuePending(ctx, round.SessionID, round.RoundID); err != nil {
		e.log.Warn().Err(err).Str("session_id", round.SessionID).Msg("extractor: failed to persist pending marker")
	}

	if total <= e.cfg.TriggerTokensBatch {
		return
	}

	e.pendingMu.Lock()
	delete(e.pendingRounds, round.SessionID)
	delete(e.pendingTokens, round.SessionID)
	e.pendingMu.Unlock()

	e.enqueue(job{sessionID: round.SessionID, roundIDs: roundIDs})
}

func (e *Extractor) enqueue(j job) {
	select {
	case e.jobs <- j:
	default:
		e.log.Warn().Str("session_id", j.sessionID).Msg("extractor: queue full, dropping job")
	}
}

func (e *Extractor) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	for j := range e.jobs {
		e.runJob(ctx, j)
	}
}

// runJob processes one job, retrying with exponential backoff up to
// MaxAttempts on failure and recording a Lesson (never surfacing the error
// to user traffic) once attempts are exhausted.
func (e *Extractor) runJob(ctx context.Context, j job) {
	if j.attempt > 0 {
		backoff := (200 * time.Millisecond) << uint(j.attempt-1)
		time.Sleep(backoff)
	}

	lock := e.sessionLock(j.sessionID)
	lock.Lock()
	inserted, err := e.processJob(ctx, j)
	lock.Unlock()

	if err != nil {
		maxAttempts := e.cfg.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 3
		}
		if j.attempt+1 < maxAttempts {
			j.attempt++
			e.enqueue(j)
			return
		}
		e.log.Error().Err(err).Str("session_id", j.sessionID).Msg("extractor: giving up after max attempts")
		e.recordFailureLesson(ctx, j, err)
	}

	for _, roundID := range j.roundIDs {
		if err := e.markers.MarkExtracted(ctx, j.sessionID, roundID); err != nil {
			e.log.Warn().Err(err).Msg("extractor: failed to mark round extracted")
		}
		if err := e.markers.ClearPending(ctx, j.sessionID, roundID); err != nil {
			e.log.Warn().Err(err).Msg("extractor: failed to clear pending marker")
		}
	}
	e.log.Debug().Str("session_id", j.sessionID).Int("inserted", inserted).Msg("extractor: job complete")
}

func (e *Extractor) recordFailureLesson(ctx context.Context, j job, cause error) {
	lesson := &types.Lesson{
		LessonID:  uuid.New().String(),
		GoalText:  "extract structured memory",
		Agent:     "extractor",
		Status:    types.LessonStatusFail,
		Error:     cause.Error(),
		CreatedAt: time.Now(),
	}
	if err := e.lessons.InsertLesson(ctx, lesson); err != nil {
		e.log.Warn().Err(err).Msg("extractor: failed to record failure lesson")
	}
}

func (e *Extractor) sessionLock(sessionID string) *sync.Mutex {
	e.sessionLocksMu.Lock()
	defer e.sessionLocksMu.Unlock()
	l, ok := e.sessionLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		e.sessionLocks[sessionID] = l
	}
	return l
}
