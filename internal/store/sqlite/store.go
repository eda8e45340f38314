// Package sqlite provides the embedded, single-writer implementation of
// store.Store used for local development and the MCP stdio binary, where
// pulling in a Postgres server is unwanted overhead. It runs in WAL mode
// over a single connection with an FTS5-backed keyword index over the
// four-table model. Vector search here is always the in-process cosine
// scan, since SQLite has no equivalent of pgvector's ivfflat index.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/scrypster/memfuse/internal/store"
	"github.com/scrypster/memfuse/pkg/types"
)

// Store implements store.Store using an embedded SQLite database.
type Store struct {
	db *sql.DB
}

// New opens dsn (a file path, or ":memory:") and applies the schema.
// SQLite permits only one writer at a time, so the connection pool is
// pinned to a single connection.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: set busy timeout: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- TurnStore ---

func (s *Store) AppendTurn(ctx context.Context, turn *types.Turn) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO turns (session_id, round_id, speaker, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, turn.SessionID, turn.RoundID, string(turn.Speaker), turn.Content, turn.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: append turn: %w", err)
	}
	return nil
}

func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]*types.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, round_id, speaker, content, created_at FROM turns
		WHERE session_id = ? ORDER BY round_id DESC, speaker ASC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list turns: %w", err)
	}
	defer rows.Close()

	var out []*types.Turn
	for rows.Next() {
		t := &types.Turn{}
		var speaker, ts string
		if err := rows.Scan(&t.SessionID, &t.RoundID, &speaker, &t.Content, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: scan turn: %w", err)
		}
		t.Speaker = types.Speaker(speaker)
		t.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) NextRoundID(ctx context.Context, sessionID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin next round id: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO session_round_counters (session_id, next_round_id) VALUES (?, 0)`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("sqlite: seed round counter: %w", err)
	}
	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT next_round_id FROM session_round_counters WHERE session_id = ?`, sessionID).Scan(&next); err != nil {
		return 0, fmt.Errorf("sqlite: read round counter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE session_round_counters SET next_round_id = ? WHERE session_id = ?`, next+1, sessionID); err != nil {
		return 0, fmt.Errorf("sqlite: bump round counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit round counter: %w", err)
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
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO documents_chunks (chunk_id, document_source, content, content_hash, session_id, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, chunk.ChunkID, chunk.DocumentSource, chunk.Content, chunk.ContentHash, chunk.SessionID, embJSON, chunk.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("sqlite: upsert chunk: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: upsert chunk rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) VectorSearchChunks(ctx context.Context, embedding []float32, topK int, sessionID string) ([]store.Scored[*types.Chunk], error) {
	query := `SELECT chunk_id, document_source, content, content_hash, session_id, embedding, created_at FROM documents_chunks`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: vector search chunks: %w", err)
	}
	defer rows.Close()

	var candidates []store.Scored[*types.Chunk]
	for rows.Next() {
		c, err := scanChunkRow(rows)
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
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents_chunks WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count session chunks: %w", err)
	}
	return n, nil
}

func (s *Store) FetchRecentChunks(ctx context.Context, limit int, sessionID string) ([]*types.Chunk, error) {
	query := `SELECT chunk_id, document_source, content, content_hash, session_id, embedding, created_at FROM documents_chunks`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: fetch recent chunks: %w", err)
	}
	defer rows.Close()

	var out []*types.Chunk
	for rows.Next() {
		c, err := scanChunkRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChunkRow(rows *sql.Rows) (*types.Chunk, error) {
	c := &types.Chunk{}
	var embJSON, ts string
	if err := rows.Scan(&c.ChunkID, &c.DocumentSource, &c.Content, &c.ContentHash, &c.SessionID, &embJSON, &ts); err != nil {
		return nil, fmt.Errorf("sqlite: scan chunk: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	emb, err := decodeVector(embJSON)
	if err != nil {
		return nil, err
	}
	c.Embedding = emb
	return c, nil
}

// --- FactStore ---

func (s *Store) InsertFact(ctx context.Context, fact *types.Fact) (bool, error) {
	if len(fact.Embedding) == 0 {
		return false, store.ErrMissingEmbedding
	}
	relJSON, err := json.Marshal(fact.Relations)
	if err != nil {
		return false, fmt.Errorf("sqlite: marshal relations: %w", err)
	}
	metaJSON, err := json.Marshal(fact.Metadata)
	if err != nil {
		return false, fmt.Errorf("sqlite: marshal metadata: %w", err)
	}
	embJSON, err := encodeVector(fact.Embedding)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlite: begin insert fact: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO structured_memory (fact_id, session_id, source_round_id, type, content, relations, metadata, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, fact.FactID, fact.SessionID, fact.SourceRoundID, string(fact.Type), fact.Content, relJSON, metaJSON, embJSON, fact.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("sqlite: insert fact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: insert fact rows affected: %w", err)
	}
	if n > 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO structured_memory_fts (fact_id, content) VALUES (?, ?)`, fact.FactID, fact.Content); err != nil {
			return false, fmt.Errorf("sqlite: index fact for fts: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlite: commit insert fact: %w", err)
	}
	return n > 0, nil
}

func (s *Store) VectorSearchFacts(ctx context.Context, sessionID string, embedding []float32, topK int) ([]store.Scored[*types.Fact], error) {
	return s.vectorSearchFactsInProcess(ctx, sessionID, embedding, topK, "")
}

func (s *Store) vectorSearchFactsInProcess(ctx context.Context, sessionID string, embedding []float32, topK int, factType types.FactType) ([]store.Scored[*types.Fact], error) {
	query := `SELECT fact_id, session_id, source_round_id, type, content, relations, metadata, embedding, created_at FROM structured_memory WHERE session_id = ?`
	args := []any{sessionID}
	if factType != "" {
		query += ` AND type = ?`
		args = append(args, string(factType))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: vector search facts: %w", err)
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

// KeywordSearchFacts uses the FTS5 index: each keyword is quoted
// individually and OR'd together so punctuation in extracted keywords
// can't be interpreted as FTS5 operator syntax.
func (s *Store) KeywordSearchFacts(ctx context.Context, sessionID string, keywords []string, topK int) ([]store.Scored[*types.Fact], error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	quoted := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ReplaceAll(kw, `"`, `""`)
		if kw == "" {
			continue
		}
		quoted = append(quoted, `"`+kw+`"`)
	}
	if len(quoted) == 0 {
		return nil, nil
	}
	matchExpr := strings.Join(quoted, " OR ")

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.fact_id, m.session_id, m.source_round_id, m.type, m.content, m.relations, m.metadata, m.embedding, m.created_at, bm25(structured_memory_fts) AS rank
		FROM structured_memory_fts f
		JOIN structured_memory m ON m.fact_id = f.fact_id
		WHERE f.content MATCH ? AND m.session_id = ?
		ORDER BY rank LIMIT ?
	`, matchExpr, sessionID, topK)
	if err != nil {
		return nil, fmt.Errorf("sqlite: keyword search facts: %w", err)
	}
	defer rows.Close()

	var out []store.Scored[*types.Fact]
	for rows.Next() {
		f := &types.Fact{}
		var typeStr, ts string
		var relJSON, metaJSON []byte
		var embJSON string
		var rank float64
		if err := rows.Scan(&f.FactID, &f.SessionID, &f.SourceRoundID, &typeStr, &f.Content, &relJSON, &metaJSON, &embJSON, &ts, &rank); err != nil {
			return nil, fmt.Errorf("sqlite: scan keyword fact: %w", err)
		}
		f.Type = types.FactType(typeStr)
		f.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		if len(relJSON) > 0 {
			_ = json.Unmarshal(relJSON, &f.Relations)
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &f.Metadata)
		}
		f.Embedding, _ = decodeVector(embJSON)
		// bm25 is negative and more-negative-is-better; map |rank| onto [0,1)
		// so a better match scores higher.
		out = append(out, store.Scored[*types.Fact]{Item: f, Score: math.Abs(rank) / (1.0 + math.Abs(rank))})
	}
	return out, rows.Err()
}

func (s *Store) SimilarSameTypeFacts(ctx context.Context, sessionID string, factType types.FactType, embedding []float32, topK int) ([]store.Scored[*types.Fact], error) {
	return s.vectorSearchFactsInProcess(ctx, sessionID, embedding, topK, factType)
}

func (s *Store) GetFact(ctx context.Context, factID string) (*types.Fact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT fact_id, session_id, source_round_id, type, content, relations, metadata, embedding, created_at
		FROM structured_memory WHERE fact_id = ?
	`, factID)
	f, err := scanFactRow(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get fact: %w", err)
	}
	return f, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFactRow(row rowScanner) (*types.Fact, error) {
	f := &types.Fact{}
	var typeStr, ts string
	var relJSON, metaJSON []byte
	var embJSON string
	if err := row.Scan(&f.FactID, &f.SessionID, &f.SourceRoundID, &typeStr, &f.Content, &relJSON, &metaJSON, &embJSON, &ts); err != nil {
		return nil, err
	}
	f.Type = types.FactType(typeStr)
	f.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
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

// --- WorkflowStore ---

func (s *Store) InsertWorkflow(ctx context.Context, wf *types.Workflow) error {
	stepsJSON, err := json.Marshal(wf.SuccessfulWorkflow)
	if err != nil {
		return fmt.Errorf("sqlite: marshal workflow steps: %w", err)
	}
	keysJSON, err := json.Marshal(wf.ResultKeys)
	if err != nil {
		return fmt.Errorf("sqlite: marshal result keys: %w", err)
	}
	embJSON, err := encodeVector(wf.TriggerEmbedding)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO procedural_memory (workflow_id, trigger_embedding, trigger_pattern, successful_workflow, result_keys, usage_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, wf.WorkflowID, embJSON, wf.TriggerPattern, stepsJSON, keysJSON, wf.UsageCount, wf.CreatedAt.Format(time.RFC3339Nano), wf.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: insert workflow: %w", err)
	}
	return nil
}

func (s *Store) VectorSearchWorkflows(ctx context.Context, embedding []float32, topK int) ([]store.Scored[*types.Workflow], error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, trigger_embedding, trigger_pattern, successful_workflow, result_keys, usage_count, created_at, updated_at
		FROM procedural_memory
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: vector search workflows: %w", err)
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
		UPDATE procedural_memory SET usage_count = usage_count + 1, updated_at = ? WHERE workflow_id = ?
	`, time.Now().Format(time.RFC3339Nano), workflowID)
	if err != nil {
		return fmt.Errorf("sqlite: bump usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: bump usage rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (*types.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, trigger_embedding, trigger_pattern, successful_workflow, result_keys, usage_count, created_at, updated_at
		FROM procedural_memory WHERE workflow_id = ?
	`, workflowID)
	w, err := scanWorkflowRow(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get workflow: %w", err)
	}
	return w, nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]*types.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, trigger_embedding, trigger_pattern, successful_workflow, result_keys, usage_count, created_at, updated_at
		FROM procedural_memory
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list workflows: %w", err)
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
	if _, err := s.db.ExecContext(ctx, `DELETE FROM procedural_memory WHERE workflow_id = ?`, workflowID); err != nil {
		return fmt.Errorf("sqlite: delete workflow: %w", err)
	}
	return nil
}

func scanWorkflowRow(row rowScanner) (*types.Workflow, error) {
	w := &types.Workflow{}
	var embJSON, createdAt, updatedAt string
	var stepsJSON, keysJSON []byte
	if err := row.Scan(&w.WorkflowID, &embJSON, &w.TriggerPattern, &stepsJSON, &keysJSON, &w.UsageCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
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

// --- LessonStore ---

func (s *Store) InsertLesson(ctx context.Context, lesson *types.Lesson) error {
	embJSON, err := encodeVector(lesson.TriggerEmbedding)
	if err != nil {
		return err
	}
	paramsJSON, err := json.Marshal(lesson.WorkingParams)
	if err != nil {
		return fmt.Errorf("sqlite: marshal working params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO procedural_lessons (lesson_id, trigger_embedding, goal_text, agent, status, error, fix_summary, working_params, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, lesson.LessonID, embJSON, lesson.GoalText, lesson.Agent, string(lesson.Status), lesson.Error, lesson.FixSummary, paramsJSON, lesson.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: insert lesson: %w", err)
	}
	return nil
}

func (s *Store) RecentLessonsForAgent(ctx context.Context, agent string, limit int) ([]*types.Lesson, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lesson_id, trigger_embedding, goal_text, agent, status, error, fix_summary, working_params, created_at
		FROM procedural_lessons WHERE agent = ? ORDER BY created_at DESC LIMIT ?
	`, agent, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent lessons: %w", err)
	}
	defer rows.Close()

	var out []*types.Lesson
	for rows.Next() {
		l := &types.Lesson{}
		var embJSON, status, ts string
		var paramsJSON []byte
		if err := rows.Scan(&l.LessonID, &embJSON, &l.GoalText, &l.Agent, &status, &l.Error, &l.FixSummary, &paramsJSON, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: scan lesson: %w", err)
		}
		l.Status = types.LessonStatus(status)
		l.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		l.TriggerEmbedding, _ = decodeVector(embJSON)
		if len(paramsJSON) > 0 {
			_ = json.Unmarshal(paramsJSON, &l.WorkingParams)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) PruneLessonsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM procedural_lessons WHERE created_at < ?`, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune lessons: %w", err)
	}
	return res.RowsAffected()
}

// --- ExtractorMarkerStore ---

func (s *Store) LastExtractedRoundID(ctx context.Context, sessionID string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `SELECT last_extracted_round_id FROM extractor_markers WHERE session_id = ?`, sessionID).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: last extracted round id: %w", err)
	}
	return last, nil
}

func (s *Store) MarkExtracted(ctx context.Context, sessionID string, roundID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO extractor_markers (session_id, last_extracted_round_id) VALUES (?, ?)
		ON CONFLICT (session_id) DO UPDATE SET last_extracted_round_id = MAX(last_extracted_round_id, excluded.last_extracted_round_id)
	`, sessionID, roundID)
	if err != nil {
		return fmt.Errorf("sqlite: mark extracted: %w", err)
	}
	return nil
}

func (s *Store) EnqueuePending(ctx context.Context, sessionID string, roundID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO extractor_pending (session_id, round_id, enqueued_at) VALUES (?, ?, ?)
	`, sessionID, roundID, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: enqueue pending: %w", err)
	}
	return nil
}

func (s *Store) ListPending(ctx context.Context) ([]store.PendingExtraction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, round_id, enqueued_at, attempt FROM extractor_pending ORDER BY enqueued_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list pending: %w", err)
	}
	defer rows.Close()

	var out []store.PendingExtraction
	for rows.Next() {
		var p store.PendingExtraction
		var ts string
		if err := rows.Scan(&p.SessionID, &p.RoundID, &ts, &p.Attempt); err != nil {
			return nil, fmt.Errorf("sqlite: scan pending: %w", err)
		}
		p.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ClearPending(ctx context.Context, sessionID string, roundID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM extractor_pending WHERE session_id = ? AND round_id = ?`, sessionID, roundID)
	if err != nil {
		return fmt.Errorf("sqlite: clear pending: %w", err)
	}
	return nil
}

// --- shared helpers ---

func encodeVector(v []float32) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode vector: %w", err)
	}
	return string(b), nil
}

func decodeVector(s string) ([]float32, error) {
	if s == "" {
		return nil, nil
	}
	var v []float32
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("sqlite: decode vector: %w", err)
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
