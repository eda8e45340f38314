// Package maintenance runs the periodic upkeep jobs that keep the M3
// procedural store from growing without bound: folding near-duplicate
// workflows that slipped past the Reuse-Lookup dedup gate into one row, and
// pruning lessons old enough that their repair guidance is unlikely to
// still be relevant.
package maintenance

import (
	"context"
	"math"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/scrypster/memfuse/internal/store"
)

// Sweeper schedules the compaction and retention jobs on a cron(5) schedule
// and runs them synchronously, one at a time, when triggered.
type Sweeper struct {
	workflows       store.WorkflowStore
	lessons         store.LessonStore
	dedupThreshold  float64
	lessonRetention time.Duration
	log             zerolog.Logger

	cron *cron.Cron
}

// New constructs a Sweeper. dedupThreshold is the cosine similarity above
// which two workflows are folded into one (the same threshold family the
// Orchestrator's own distill-time dedup gate uses). lessonRetention is how
// long a lesson is kept before CompactAndPrune deletes it.
func New(workflows store.WorkflowStore, lessons store.LessonStore, dedupThreshold float64, lessonRetention time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		workflows:       workflows,
		lessons:         lessons,
		dedupThreshold:  dedupThreshold,
		lessonRetention: lessonRetention,
		log:             log,
		cron:            cron.New(),
	}
}

// Start schedules CompactAndPrune on schedule (standard 5-field cron
// syntax) and starts the underlying cron.Cron in its own goroutine.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if err := s.CompactAndPrune(ctx); err != nil {
			s.log.Warn().Err(err).Msg("maintenance sweep failed")
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop drains any in-flight run and stops the scheduler, blocking until it
// finishes or ctx is cancelled.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// CompactAndPrune runs both jobs once, synchronously. Exported so an
// operator can trigger an out-of-band sweep (e.g. from a debug endpoint or
// a one-off CLI invocation) without waiting for the next scheduled tick.
func (s *Sweeper) CompactAndPrune(ctx context.Context) error {
	merged, err := s.compactWorkflows(ctx)
	if err != nil {
		return err
	}
	pruned, err := s.lessons.PruneLessonsOlderThan(ctx, time.Now().Add(-s.lessonRetention))
	if err != nil {
		return err
	}
	s.log.Info().Int("workflows_merged", merged).Int64("lessons_pruned", pruned).Msg("maintenance sweep complete")
	return nil
}

// compactWorkflows groups all stored workflows into clusters of
// near-duplicate trigger embeddings (cosine similarity >= dedupThreshold),
// keeps the highest-usage_count workflow of each cluster as the survivor,
// folds the rest's usage into it via BumpUsage, and deletes them. Returns
// the number of workflows removed.
func (s *Sweeper) compactWorkflows(ctx context.Context) (int, error) {
	all, err := s.workflows.ListWorkflows(ctx)
	if err != nil {
		return 0, err
	}

	claimed := make([]bool, len(all))
	merged := 0
	for i := range all {
		if claimed[i] {
			continue
		}
		cluster := []int{i}
		for j := i + 1; j < len(all); j++ {
			if claimed[j] {
				continue
			}
			if cosineSimilarity(all[i].TriggerEmbedding, all[j].TriggerEmbedding) >= s.dedupThreshold {
				cluster = append(cluster, j)
				claimed[j] = true
			}
		}
		if len(cluster) < 2 {
			continue
		}

		survivor := cluster[0]
		for _, idx := range cluster[1:] {
			if all[idx].UsageCount > all[survivor].UsageCount {
				survivor = idx
			}
		}

		for _, idx := range cluster {
			if idx == survivor {
				continue
			}
			for k := 0; k < int(all[idx].UsageCount); k++ {
				if err := s.workflows.BumpUsage(ctx, all[survivor].WorkflowID); err != nil {
					s.log.Warn().Err(err).Str("workflow_id", all[survivor].WorkflowID).Msg("failed to fold usage into survivor")
					break
				}
			}
			if err := s.workflows.DeleteWorkflow(ctx, all[idx].WorkflowID); err != nil {
				s.log.Warn().Err(err).Str("workflow_id", all[idx].WorkflowID).Msg("failed to delete duplicate workflow")
				continue
			}
			merged++
		}
	}
	return merged, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
