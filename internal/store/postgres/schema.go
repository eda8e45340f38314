package postgres

// Schema creates the four core tables plus the extractor's durable marker
// and settings table. IDs use text (uuid string form) rather than the
// native uuid type so the same DDL style works unmodified against the
// sqlite backend's mirrored schema.
const Schema = `
CREATE TABLE IF NOT EXISTS turns (
	session_id TEXT NOT NULL,
	round_id   BIGINT NOT NULL,
	speaker    TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, round_id, speaker)
);
CREATE INDEX IF NOT EXISTS idx_turns_session_round ON turns (session_id, round_id DESC);

CREATE TABLE IF NOT EXISTS session_round_counters (
	session_id TEXT PRIMARY KEY,
	next_round_id BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS documents_chunks (
	chunk_id        TEXT PRIMARY KEY,
	document_source TEXT NOT NULL,
	content         TEXT NOT NULL,
	content_hash    TEXT NOT NULL,
	session_id      TEXT NOT NULL DEFAULT '',
	embedding       DOUBLE PRECISION[] NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (document_source, content_hash)
);
CREATE INDEX IF NOT EXISTS idx_chunks_session ON documents_chunks (session_id);

CREATE TABLE IF NOT EXISTS structured_memory (
	fact_id          TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL,
	source_round_id  BIGINT NOT NULL,
	type             TEXT NOT NULL,
	content          TEXT NOT NULL,
	relations        JSONB NOT NULL DEFAULT '{}',
	metadata         JSONB NOT NULL DEFAULT '{}',
	embedding        DOUBLE PRECISION[] NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (session_id, type, content)
);
CREATE INDEX IF NOT EXISTS idx_facts_session_type ON structured_memory (session_id, type);

CREATE TABLE IF NOT EXISTS procedural_memory (
	workflow_id         TEXT PRIMARY KEY,
	trigger_embedding   DOUBLE PRECISION[] NOT NULL,
	trigger_pattern     TEXT NOT NULL DEFAULT '',
	successful_workflow JSONB NOT NULL,
	result_keys         JSONB NOT NULL DEFAULT '[]',
	usage_count         BIGINT NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS procedural_lessons (
	lesson_id         TEXT PRIMARY KEY,
	trigger_embedding DOUBLE PRECISION[] NOT NULL,
	goal_text         TEXT NOT NULL,
	agent             TEXT NOT NULL,
	status            TEXT NOT NULL CHECK (status IN ('success','fail')),
	error             TEXT NOT NULL DEFAULT '',
	fix_summary       TEXT NOT NULL DEFAULT '',
	working_params    JSONB NOT NULL DEFAULT '{}',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_lessons_agent ON procedural_lessons (agent, created_at DESC);

CREATE TABLE IF NOT EXISTS extractor_pending (
	session_id  TEXT NOT NULL,
	round_id    BIGINT NOT NULL,
	enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	attempt     INT NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, round_id)
);

CREATE TABLE IF NOT EXISTS extractor_markers (
	session_id TEXT PRIMARY KEY,
	last_extracted_round_id BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// MigrationPgvector is applied only when the pgvector extension is
// available. It adds native vector columns and ivfflat cosine indexes
// alongside the plain array columns Schema always creates; queries prefer
// the vector columns when present and fall back to the array columns
// otherwise (see store.go's pgvectorAvailable branch).
const MigrationPgvector = `
DO $$
BEGIN
	IF NOT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name='documents_chunks' AND column_name='embedding_vec') THEN
		ALTER TABLE documents_chunks ADD COLUMN embedding_vec vector(1024);
	END IF;
	IF NOT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name='structured_memory' AND column_name='embedding_vec') THEN
		ALTER TABLE structured_memory ADD COLUMN embedding_vec vector(1024);
	END IF;
	IF NOT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name='procedural_memory' AND column_name='trigger_embedding_vec') THEN
		ALTER TABLE procedural_memory ADD COLUMN trigger_embedding_vec vector(1024);
	END IF;
	IF NOT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name='procedural_lessons' AND column_name='trigger_embedding_vec') THEN
		ALTER TABLE procedural_lessons ADD COLUMN trigger_embedding_vec vector(1024);
	END IF;
END $$;

CREATE INDEX IF NOT EXISTS idx_chunks_embedding_ivfflat
	ON documents_chunks USING ivfflat (embedding_vec vector_cosine_ops) WITH (lists = 100);
CREATE INDEX IF NOT EXISTS idx_facts_embedding_ivfflat
	ON structured_memory USING ivfflat (embedding_vec vector_cosine_ops) WITH (lists = 100);
CREATE INDEX IF NOT EXISTS idx_workflows_trigger_ivfflat
	ON procedural_memory USING ivfflat (trigger_embedding_vec vector_cosine_ops) WITH (lists = 100);
CREATE INDEX IF NOT EXISTS idx_lessons_trigger_ivfflat
	ON procedural_lessons USING ivfflat (trigger_embedding_vec vector_cosine_ops) WITH (lists = 100);
`
