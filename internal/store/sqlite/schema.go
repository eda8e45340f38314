package sqlite

// Schema mirrors the postgres backend's tables, adapted to SQLite types
// (TEXT/INTEGER/REAL, no native array or jsonb column types — JSON-encoded
// TEXT columns instead) plus an FTS5 virtual table over structured_memory
// content for keyword search.
const Schema = `
CREATE TABLE IF NOT EXISTS turns (
	session_id TEXT NOT NULL,
	round_id   INTEGER NOT NULL,
	speaker    TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (session_id, round_id, speaker)
);
CREATE INDEX IF NOT EXISTS idx_turns_session_round ON turns (session_id, round_id DESC);

CREATE TABLE IF NOT EXISTS session_round_counters (
	session_id TEXT PRIMARY KEY,
	next_round_id INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS documents_chunks (
	chunk_id        TEXT PRIMARY KEY,
	document_source TEXT NOT NULL,
	content         TEXT NOT NULL,
	content_hash    TEXT NOT NULL,
	session_id      TEXT NOT NULL DEFAULT '',
	embedding       TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	UNIQUE (document_source, content_hash)
);
CREATE INDEX IF NOT EXISTS idx_chunks_session ON documents_chunks (session_id);

CREATE TABLE IF NOT EXISTS structured_memory (
	fact_id          TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL,
	source_round_id  INTEGER NOT NULL,
	type             TEXT NOT NULL,
	content          TEXT NOT NULL,
	relations        TEXT NOT NULL DEFAULT '{}',
	metadata         TEXT NOT NULL DEFAULT '{}',
	embedding        TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	UNIQUE (session_id, type, content)
);
CREATE INDEX IF NOT EXISTS idx_facts_session_type ON structured_memory (session_id, type);

CREATE VIRTUAL TABLE IF NOT EXISTS structured_memory_fts USING fts5(
	fact_id UNINDEXED,
	content,
	tokenize = 'porter unicode61'
);

CREATE TABLE IF NOT EXISTS procedural_memory (
	workflow_id         TEXT PRIMARY KEY,
	trigger_embedding   TEXT NOT NULL,
	trigger_pattern     TEXT NOT NULL DEFAULT '',
	successful_workflow TEXT NOT NULL,
	result_keys         TEXT NOT NULL DEFAULT '[]',
	usage_count         INTEGER NOT NULL DEFAULT 0,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS procedural_lessons (
	lesson_id         TEXT PRIMARY KEY,
	trigger_embedding TEXT NOT NULL,
	goal_text         TEXT NOT NULL,
	agent             TEXT NOT NULL,
	status            TEXT NOT NULL CHECK (status IN ('success','fail')),
	error             TEXT NOT NULL DEFAULT '',
	fix_summary       TEXT NOT NULL DEFAULT '',
	working_params    TEXT NOT NULL DEFAULT '{}',
	created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lessons_agent ON procedural_lessons (agent, created_at DESC);

CREATE TABLE IF NOT EXISTS extractor_pending (
	session_id  TEXT NOT NULL,
	round_id    INTEGER NOT NULL,
	enqueued_at TEXT NOT NULL,
	attempt     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, round_id)
);

CREATE TABLE IF NOT EXISTS extractor_markers (
	session_id TEXT PRIMARY KEY,
	last_extracted_round_id INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`
