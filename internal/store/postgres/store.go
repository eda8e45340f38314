// Package postgres provides the PostgreSQL+pgvector implementation of the
// store.Store interface. When the pgvector extension is unavailable it
// degrades to array-column storage and application-side cosine scoring,
// so sparse deployments without the extension still function correctly.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/scrypster/memfuse/internal/store"
	"github.com/scrypster/memfuse/pkg/types"
)

// Store implements store.Store over PostgreSQL.
type Store struct {
	db                *sql.DB
	pgvectorAvailable bool
}

// Config carries the connection pool tunables the caller loaded from
// internal/config.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New opens a PostgreSQL connection, applies the base schema, and attempts
// to enable pgvector. It never fails solely because pgvector is missing —
// vector search degrades to a slower in-process cosine scan instead.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &Store{db: db}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}

	if _, err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		log.Printf("postgres: pgvector extension not available, falling back to in-process cosine scoring: %v", err)
		s.pgvectorAvailable = false
	} else {
		s.pgvectorAvailable = true
	}

	if s.pgvectorAvailable {
		if _, err := db.Exec(MigrationPgvector); err != nil {
			log.Printf("postgres: pgvector migration failed, falling back to in-process cosine scoring: %v", err)
			s.pgvectorAvailable = false
		}
	}

	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- TurnStore ---

func (s *Store) AppendTurn(ctx context.Context, turn *types.Turn) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (session_id, round_id, speaker, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, round_id, speaker) DO NOTHING
	`, turn.SessionID, turn.RoundID, string(turn.Speaker), turn.Content, turn.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: append turn: %w", err)
	}
	return nil
}

func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]*types.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, round_id, speaker, content, created_at
		FROM turns WHERE session_id = $1
		ORDER BY round_id DESC, speaker ASC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list turns: %w", err)
	}
	defer rows.Close()

	var out []*types.Turn
	for rows.Next() {
		t := &types.Turn{}
		var speaker string
		if err := rows.Scan(&t.SessionID, &t.RoundID, &speaker, &t.Content, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan turn: %w", err)
		}
		t.Speaker = types.Speaker(speaker)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) NextRoundID(ctx context.Context, sessionID string) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO session_round_counters (session_id, next_round_id)
		VALUES ($1, 1)
		ON CONFLICT (session_id) DO UPDATE SET next_round_id = session_round_counters.next_round_id + 1
		RETURNING next_round_id - 1
	`, sessionID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("postgres: next round id: %w", err)
	}
	return next, nil
}

// --- ChunkStore ---

func (s *Store) UpsertChunk(ctx context.Context, chunk *types.Chunk) (bool, error) {
	if len(chunk.Embedding) == 0 {
		return false, store.ErrMissingEmbedding
	}
	embJSON, err := encodeVector(chunk.Embedding)
	if err != nil {
		return false, err
	}

	query := `INSERT INTO documents_chunks (chunk_id, document_source, content, content_hash, session_id, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (document_source, content_hash) DO NOTHING`
	args := []any{chunk.ChunkID, chunk.DocumentSource, chunk.Content, chunk.ContentHash, chunk.SessionID, embJSON, chunk.CreatedAt}
	if s.pgvectorAvailable {
		query = `INSERT INTO documents_chunks (chunk_id, document_source, content, content_hash, session_id, embedding, embedding_vec, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (document_source, content_hash) DO NOTHING`
		args = []any{chunk.ChunkID, chunk.DocumentSource, chunk.Content, chunk.ContentHash, chunk.SessionID, embJSON, pgvector.NewVector(chunk.Embedding), chunk.CreatedAt}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("postgres: upsert chunk: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: upsert chunk rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) VectorSearchChunks(ctx context.Context, embedding []float32, topK int, sessionID string) ([]store.Scored[*types.Chunk], error) {
	if s.pgvectorAvailable {
		return s.vectorSearchChunksPgvector(ctx, embedding, topK, sessionID)
	}
	return s.vectorSearchChunksInProcess(ctx, embedding, topK, sessionID)
}

func (s *Store) vectorSearchChunksPgvector(ctx context.Context, embedding []float32, topK int, sessionID string) ([]store.Scored[*types.Chunk], error) {
	vec := pgvector.NewVector(embedding)
	query := `
		SELECT chunk_id, document_source, content, content_hash, session_id, embedding, created_at,
			1 - (embedding_vec <=> $1::vector) AS score
		FROM documents_chunks
		WHERE embedding_vec IS NOT NULL`
	args := []any{vec}
	if sessionID != "" {
		query += ` AND session_id = $2 ORDER BY embedding_vec <=> $1::vector LIMIT $3`
		args = append(args, sessionID, topK)
	} else {
		query += ` ORDER BY embedding_vec <=> $1::vector LIMIT $2`
		args = append(args, topK)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search chunks: %w", err)
	}
	defer rows.Close()
	return scanScoredChunks(rows)
}

func (s *Store) vectorSearchChunksInProcess(ctx context.Context, embedding []float32, topK int, sessionID string) ([]store.Scored[*types.Chunk], error) {
	query := `SELECT chunk_id, document_source, content, content_hash, session_id, embedding, created_at FROM documents_chunks`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = $1`
		args = append(args, sessionID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan chunks for in-process search: %w", err)
	}
	defer rows.Close()

	var candidates []store.Scored[*types.Chunk]
	for rows.Next() {
		c := &types.Chunk{}
		var embJSON string
		if err := rows.Scan(&c.ChunkID, &c.DocumentSource, &c.Content, &c.ContentHash, &c.SessionID, &embJSON, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan chunk: %w", err)
		}
		c.Embedding, err = decodeVector(embJSON)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, store.Scored[*types.Chunk]{Item: c, Score: cosineSimilarity(embedding, c.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return topScoredChunks(candidates, topK), nil
}

func (s *Store) CountSessionChunks(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents_chunks WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count session chunks: %w", err)
	}
	return n, nil
}

func (s *Store) FetchRecentChunks(ctx context.Context, limit int, sessionID string) ([]*types.Chunk, error) {
	query := `SELECT chunk_id, document_source, content, content_hash, session_id, embedding, created_at FROM documents_chunks`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = $1`
		args = append(args, sessionID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch recent chunks: %w", err)
	}
	defer rows.Close()

	var out []*types.Chunk
	for rows.Next() {
		c := &types.Chunk{}
		var embJSON string
		if err := rows.Scan(&c.ChunkID, &c.DocumentSource, &c.Content, &c.ContentHash, &c.SessionID, &embJSON, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan chunk: %w", err)
		}
		c.Embedding, _ = decodeVector(embJSON)
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- FactStore ---

func (s *Store) InsertFact(ctx context.Context, fact *types.Fact) (bool, error) {
	if len(fact.Embedding) == 0 {
		return false, store.ErrMissingEmbedding
	}
	relJSON, err := json.Marshal(fact.Relations)
	if err != nil {
		return false, fmt.Errorf("postgres: marshal relations: %w", err)
	}
	metaJSON, err := json.Marshal(fact.Metadata)
	if err != nil {
		return false, fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	embJSON, err := encodeVector(fact.Embedding)
	if err != nil {
		return false, err
	}
	query := `INSERT INTO structured_memory (fact_id, session_id, source_round_id, type, content, relations, metadata, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) ON CONFLICT (session_id, type, content) DO NOTHING`
	args := []any{fact.FactID, fact.SessionID, fact.SourceRoundID, string(fact.Type), fact.Content, relJSON, metaJSON, embJSON, fact.CreatedAt}
	if s.pgvectorAvailable {
		query = `INSERT INTO structured_memory (fact_id, session_id, source_round_id, type, content, relations, metadata, embedding, embedding_vec, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) ON CONFLICT (session_id, type, content) DO NOTHING`
		args = []any{fact.FactID, fact.SessionID, fact.SourceRoundID, string(fact.Type), fact.Content, relJSON, metaJSON, embJSON, pgvector.NewVector(fact.Embedding), fact.CreatedAt}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("postgres: insert fact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: insert fact rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) VectorSearchFacts(ctx context.Context, sessionID string, embedding []float32, topK int) ([]store.Scored[*types.Fact], error) {
	if s.pgvectorAvailable {
		vec := pgvector.NewVector(embedding)
		rows, err := s.db.QueryContext(ctx, `
			SELECT fact_id, session_id, source_round_id, type, content, relations, metadata, embedding, created_at,
				1 - (embedding_vec <=> $1::vector) AS score
			FROM structured_memory
			WHERE session_id = $2 AND embedding_vec IS NOT NULL
			ORDER BY embedding_vec <=> $1::vector LIMIT $3
		`, vec, sessionID, topK)
		if err != nil {
			return nil, fmt.Errorf("postgres: vector search facts: %w", err)
		}
		defer rows.Close()
		return scanScoredFacts(rows)
	}
	return s.vectorSearchFactsInProcess(ctx, sessionID, embedding, topK, "")
}

func (s *Store) vectorSearchFactsInProcess(ctx context.Context, sessionID string, embedding []float32, topK int, factType types.FactType) ([]store.Scored[*types.Fact], error) {
	query := `SELECT fact_id, session_id, source_round_id, type, content, relations, metadata, embedding, created_at FROM structured_memory WHERE session_id = $1`
	args := []any{sessionID}
	if factType != "" {
		query += ` AND type = $2`
		args = append(args, string(factType))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan facts for in-process search: %w", err)
	}
	defer rows.Close()

	var candidates []store.Scored[*types.Fact]
	for rows.Next() {
		f, err := scanFactRow(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, store.Scored[*types.Fact]{Item: f, Score: cosineSimilarity(embedding, f.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return topScoredFacts(candidates, topK), nil
}

func (s *Store) KeywordSearchFacts(ctx context.Context, sessionID string, keywords []string, topK int) ([]store.Scored[*types.Fact], error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT fact_id, session_id, source_round_id, type, content, relations, metadata, embedding, created_at
		FROM structured_memory WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: keyword search facts: %w", err)
	}
	defer rows.Close()

	var candidates []store.Scored[*types.Fact]
	for rows.Next() {
		f, err := scanFactRow(rows)
		if err != nil {
			return nil, err
		}
		lower := strings.ToLower(f.Content)
		hits := 0
		for _, kw := range keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		candidates = append(candidates, store.Scored[*types.Fact]{Item: f, Score: float64(hits) / float64(len(keywords))})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return topScoredFacts(candidates, topK), nil
}

func (s *Store) SimilarSameTypeFacts(ctx context.Context, sessionID string, factType types.FactType, embedding []float32, topK int) ([]store.Scored[*types.Fact], error) {
	if s.pgvectorAvailable {
		vec := pgvector.NewVector(embedding)
		rows, err := s.db.QueryContext(ctx, `
			SELECT fact_id, session_id, source_round_id, type, content, relations, metadata, embedding, created_at,
				1 - (embedding_vec <=> $1::vector) AS score
			FROM structured_memory
			WHERE session_id = $2 AND type = $3 AND embedding_vec IS NOT NULL
			ORDER BY embedding_vec <=> $1::vector LIMIT $4
		`, vec, sessionID, string(factType), topK)
		if err != nil {
			return nil, fmt.Errorf("postgres: similar same-type facts: %w", err)
		}
		defer rows.Close()
		return scanScoredFacts(rows)
	}
	return s.vectorSearchFactsInProcess(ctx, sessionID, embedding, topK, factType)
}

func (s *Store) GetFact(ctx context.Context, factID string) (*types.Fact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT fact_id, session_id, source_round_id, type, content, relations, metadata, embedding, created_at
		FROM structured_memory WHERE fact_id = $1
	`, factID)
	f, err := scanFactRow(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get fact: %w", err)
	}
	return f, nil
}

// --- WorkflowStore ---

func (s *Store) InsertWorkflow(ctx context.Context, wf *types.Workflow) error {
	stepsJSON, err := json.Marshal(wf.SuccessfulWorkflow)
	if err != nil {
		return fmt.Errorf("postgres: marshal workflow steps: %w", err)
	}
	keysJSON, err := json.Marshal(wf.ResultKeys)
	if err != nil {
		return fmt.Errorf("postgres: marshal result keys: %w", err)
	}
	embJSON, err := encodeVector(wf.TriggerEmbedding)
	if err != nil {
		return err
	}
	query := `INSERT INTO procedural_memory (workflow_id, trigger_embedding, trigger_pattern, successful_workflow, result_keys, usage_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	args := []any{wf.WorkflowID, embJSON, wf.TriggerPattern, stepsJSON, keysJSON, wf.UsageCount, wf.CreatedAt, wf.UpdatedAt}
	if s.pgvectorAvailable {
		query = `INSERT INTO procedural_memory (workflow_id, trigger_embedding, trigger_embedding_vec, trigger_pattern, successful_workflow, result_keys, usage_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		args = []any{wf.WorkflowID, embJSON, pgvector.NewVector(wf.TriggerEmbedding), wf.TriggerPattern, stepsJSON, keysJSON, wf.UsageCount, wf.CreatedAt, wf.UpdatedAt}
	}
	if _, err = s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: insert workflow: %w", err)
	}
	return nil
}

func (s *Store) VectorSearchWorkflows(ctx context.Context, embedding []float32, topK int) ([]store.Scored[*types.Workflow], error) {
	if s.pgvectorAvailable {
		vec := pgvector.NewVector(embedding)
		rows, err := s.db.QueryContext(ctx, `
			SELECT workflow_id, trigger_embedding, trigger_pattern, successful_workflow, result_keys, usage_count, created_at, updated_at,
				1 - (trigger_embedding_vec <=> $1::vector) AS score
			FROM procedural_memory
			WHERE trigger_embedding_vec IS NOT NULL
			ORDER BY trigger_embedding_vec <=> $1::vector LIMIT $2
		`, vec, topK)
		if err != nil {
			return nil, fmt.Errorf("postgres: vector search workflows: %w", err)
		}
		defer rows.Close()
		return scanScoredWorkflows(rows)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, trigger_embedding, trigger_pattern, successful_workflow, result_keys, usage_count, created_at, updated_at
		FROM procedural_memory
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan workflows for in-process search: %w", err)
	}
	defer rows.Close()

	var candidates []store.Scored[*types.Workflow]
	for rows.Next() {
		w, err := scanWorkflowRow(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, store.Scored[*types.Workflow]{Item: w, Score: cosineSimilarity(embedding, w.TriggerEmbedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return topScoredWorkflows(candidates, topK), nil
}

func (s *Store) BumpUsage(ctx context.Context, workflowID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE procedural_memory SET usage_count = usage_count + 1, updated_at = now() WHERE workflow_id = $1
	`, workflowID)
	if err != nil {
		return fmt.Errorf("postgres: bump usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: bump usage rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (*types.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, trigger_embedding, trigger_pattern, successful_workflow, result_keys, usage_count, created_at, updated_at
		FROM procedural_memory WHERE workflow_id = $1
	`, workflowID)
	w, err := scanWorkflowRow(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get workflow: %w", err)
	}
	return w, nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]*types.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, trigger_embedding, trigger_pattern, successful_workflow, result_keys, usage_count, created_at, updated_at
		FROM procedural_memory
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list workflows: %w", err)
	}
	defer rows.Close()

	var out []*types.Workflow
	for rows.Next() {
		w, err := scanWorkflowRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) DeleteWorkflow(ctx context.Context, workflowID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM procedural_memory WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("postgres: delete workflow: %w", err)
	}
	return nil
}

// --- LessonStore ---

func (s *Store) InsertLesson(ctx context.Context, lesson *types.Lesson) error {
	embJSON, err := encodeVector(lesson.TriggerEmbedding)
	if err != nil {
		return err
	}
	paramsJSON, err := json.Marshal(lesson.WorkingParams)
	if err != nil {
		return fmt.Errorf("postgres: marshal working params: %w", err)
	}
	query := `INSERT INTO procedural_lessons (lesson_id, trigger_embedding, goal_text, agent, status, error, fix_summary, working_params, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	args := []any{lesson.LessonID, embJSON, lesson.GoalText, lesson.Agent, string(lesson.Status), lesson.Error, lesson.FixSummary, paramsJSON, lesson.CreatedAt}
	if s.pgvectorAvailable {
		query = `INSERT INTO procedural_lessons (lesson_id, trigger_embedding, trigger_embedding_vec, goal_text, agent, status, error, fix_summary, working_params, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
		args = []any{lesson.LessonID, embJSON, pgvector.NewVector(lesson.TriggerEmbedding), lesson.GoalText, lesson.Agent, string(lesson.Status), lesson.Error, lesson.FixSummary, paramsJSON, lesson.CreatedAt}
	}
	if _, err = s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: insert lesson: %w", err)
	}
	return nil
}

func (s *Store) RecentLessonsForAgent(ctx context.Context, agent string, limit int) ([]*types.Lesson, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lesson_id, trigger_embedding, goal_text, agent, status, error, fix_summary, working_params, created_at
		FROM procedural_lessons WHERE agent = $1 ORDER BY created_at DESC LIMIT $2
	`, agent, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent lessons: %w", err)
	}
	defer rows.Close()

	var out []*types.Lesson
	for rows.Next() {
		l := &types.Lesson{}
		var embJSON string
		var status string
		var paramsJSON []byte
		if err := rows.Scan(&l.LessonID, &embJSON, &l.GoalText, &l.Agent, &status, &l.Error, &l.FixSummary, &paramsJSON, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan lesson: %w", err)
		}
		l.Status = types.LessonStatus(status)
		l.TriggerEmbedding, _ = decodeVector(embJSON)
		if len(paramsJSON) > 0 {
			_ = json.Unmarshal(paramsJSON, &l.WorkingParams)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) PruneLessonsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM procedural_lessons WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune lessons: %w", err)
	}
	return res.RowsAffected()
}

// --- ExtractorMarkerStore ---

func (s *Store) LastExtractedRoundID(ctx context.Context, sessionID string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `SELECT last_extracted_round_id FROM extractor_markers WHERE session_id = $1`, sessionID).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: last extracted round id: %w", err)
	}
	return last, nil
}

func (s *Store) MarkExtracted(ctx context.Context, sessionID string, roundID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO extractor_markers (session_id, last_extracted_round_id) VALUES ($1, $2)
		ON CONFLICT (session_id) DO UPDATE SET last_extracted_round_id = GREATEST(extractor_markers.last_extracted_round_id, $2)
	`, sessionID, roundID)
	if err != nil {
		return fmt.Errorf("postgres: mark extracted: %w", err)
	}
	return nil
}

func (s *Store) EnqueuePending(ctx context.Context, sessionID string, roundID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO extractor_pending (session_id, round_id) VALUES ($1, $2)
		ON CONFLICT (session_id, round_id) DO NOTHING
	`, sessionID, roundID)
	if err != nil {
		return fmt.Errorf("postgres: enqueue pending: %w", err)
	}
	return nil
}

func (s *Store) ListPending(ctx context.Context) ([]store.PendingExtraction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, round_id, enqueued_at, attempt FROM extractor_pending ORDER BY enqueued_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending: %w", err)
	}
	defer rows.Close()

	var out []store.PendingExtraction
	for rows.Next() {
		var p store.PendingExtraction
		if err := rows.Scan(&p.SessionID, &p.RoundID, &p.EnqueuedAt, &p.Attempt); err != nil {
			return nil, fmt.Errorf("postgres: scan pending: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ClearPending(ctx context.Context, sessionID string, roundID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM extractor_pending WHERE session_id = $1 AND round_id = $2`, sessionID, roundID)
	if err != nil {
		return fmt.Errorf("postgres: clear pending: %w", err)
	}
	return nil
}

// --- shared scan/encode helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFactRow(row rowScanner) (*types.Fact, error) {
	f := &types.Fact{}
	var typeStr string
	var relJSON, metaJSON []byte
	var embJSON string
	if err := row.Scan(&f.FactID, &f.SessionID, &f.SourceRoundID, &typeStr, &f.Content, &relJSON, &metaJSON, &embJSON, &f.CreatedAt); err != nil {
		return nil, err
	}
	f.Type = types.FactType(typeStr)
	if len(relJSON) > 0 {
		_ = json.Unmarshal(relJSON, &f.Relations)
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &f.Metadata)
	}
	emb, err := decodeVector(embJSON)
	if err != nil {
		return nil, err
	}
	f.Embedding = emb
	return f, nil
}

func scanWorkflowRow(row rowScanner) (*types.Workflow, error) {
	w := &types.Workflow{}
	var embJSON string
	var stepsJSON, keysJSON []byte
	if err := row.Scan(&w.WorkflowID, &embJSON, &w.TriggerPattern, &stepsJSON, &keysJSON, &w.UsageCount, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	emb, err := decodeVector(embJSON)
	if err != nil {
		return nil, err
	}
	w.TriggerEmbedding = emb
	if len(stepsJSON) > 0 {
		_ = json.Unmarshal(stepsJSON, &w.SuccessfulWorkflow)
	}
	if len(keysJSON) > 0 {
		_ = json.Unmarshal(keysJSON, &w.ResultKeys)
	}
	return w, nil
}

func scanScoredChunks(rows *sql.Rows) ([]store.Scored[*types.Chunk], error) {
	var out []store.Scored[*types.Chunk]
	for rows.Next() {
		c := &types.Chunk{}
		var embJSON string
		var score float64
		if err := rows.Scan(&c.ChunkID, &c.DocumentSource, &c.Content, &c.ContentHash, &c.SessionID, &embJSON, &c.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan scored chunk: %w", err)
		}
		c.Embedding, _ = decodeVector(embJSON)
		out = append(out, store.Scored[*types.Chunk]{Item: c, Score: score})
	}
	return out, rows.Err()
}

func scanScoredFacts(rows *sql.Rows) ([]store.Scored[*types.Fact], error) {
	var out []store.Scored[*types.Fact]
	for rows.Next() {
		f := &types.Fact{}
		var typeStr string
		var relJSON, metaJSON []byte
		var embJSON string
		var score float64
		if err := rows.Scan(&f.FactID, &f.SessionID, &f.SourceRoundID, &typeStr, &f.Content, &relJSON, &metaJSON, &embJSON, &f.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan scored fact: %w", err)
		}
		f.Type = types.FactType(typeStr)
		if len(relJSON) > 0 {
			_ = json.Unmarshal(relJSON, &f.Relations)
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &f.Metadata)
		}
		f.Embedding, _ = decodeVector(embJSON)
		out = append(out, store.Scored[*types.Fact]{Item: f, Score: score})
	}
	return out, rows.Err()
}

func scanScoredWorkflows(rows *sql.Rows) ([]store.Scored[*types.Workflow], error) {
	var out []store.Scored[*types.Workflow]
	for rows.Next() {
		w := &types.Workflow{}
		var embJSON string
		var stepsJSON, keysJSON []byte
		var score float64
		if err := rows.Scan(&w.WorkflowID, &embJSON, &w.TriggerPattern, &stepsJSON, &keysJSON, &w.UsageCount, &w.CreatedAt, &w.UpdatedAt, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan scored workflow: %w", err)
		}
		w.TriggerEmbedding, _ = decodeVector(embJSON)
		if len(stepsJSON) > 0 {
			_ = json.Unmarshal(stepsJSON, &w.SuccessfulWorkflow)
		}
		if len(keysJSON) > 0 {
			_ = json.Unmarshal(keysJSON, &w.ResultKeys)
		}
		out = append(out, store.Scored[*types.Workflow]{Item: w, Score: score})
	}
	return out, rows.Err()
}

func topScoredChunks(items []store.Scored[*types.Chunk], topK int) []store.Scored[*types.Chunk] {
	sort.Slice(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > topK {
		items = items[:topK]
	}
	return items
}

func topScoredFacts(items []store.Scored[*types.Fact], topK int) []store.Scored[*types.Fact] {
	sort.Slice(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > topK {
		items = items[:topK]
	}
	return items
}

func topScoredWorkflows(items []store.Scored[*types.Workflow], topK int) []store.Scored[*types.Workflow] {
	sort.Slice(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > topK {
		items = items[:topK]
	}
	return items
}

func encodeVector(v []float32) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("postgres: encode vector: %w", err)
	}
	return string(b), nil
}

func decodeVector(s string) ([]float32, error) {
	if s == "" {
		return nil, nil
	}
	var v []float32
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("postgres: decode vector: %w", err)
	}
	return v, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
