package sqlite

const schemaSQL = `
-- One row per organisation number. The stage pointer and status together
-- describe where the job sits in the pipeline.
CREATE TABLE IF NOT EXISTS jobs (
	orgnr TEXT PRIMARY KEY,
	stage TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_attempt INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	error TEXT,
	cool_down_until INTEGER
);

CREATE INDEX IF NOT EXISTS idx_jobs_stage_status ON jobs(stage, status);
CREATE INDEX IF NOT EXISTS idx_jobs_claim_order ON jobs(priority DESC, created_at ASC);

-- Opaque per-stage payloads written by each completed stage for the next
-- stage to consume.
CREATE TABLE IF NOT EXISTS stage_payloads (
	orgnr TEXT NOT NULL,
	stage TEXT NOT NULL,
	payload TEXT NOT NULL,
	written_at INTEGER NOT NULL,
	PRIMARY KEY (orgnr, stage)
);

-- Per-request audit trail for rate accounting and error-rate reporting.
CREATE TABLE IF NOT EXISTS request_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	orgnr TEXT,
	stage TEXT,
	success INTEGER NOT NULL,
	status_code INTEGER,
	response_time_ms INTEGER,
	error_kind TEXT
);

CREATE INDEX IF NOT EXISTS idx_request_log_timestamp ON request_log(timestamp);

CREATE TABLE IF NOT EXISTS block_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	stage TEXT,
	status_code INTEGER,
	error TEXT,
	cool_down_seconds INTEGER
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	completed_at INTEGER,
	stats TEXT
);
`
