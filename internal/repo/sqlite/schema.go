package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	pipeline        TEXT NOT NULL,
	spec            TEXT NOT NULL,
	status          TEXT NOT NULL,
	inputs          TEXT,
	signal          TEXT,
	execution       TEXT,
	started_at      INTEGER,
	finished_at     INTEGER,
	error           TEXT,
	idempotency_key TEXT,
	created_at      INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS runs_idempotency_idx
	ON runs (pipeline, idempotency_key) WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	stage_id    TEXT NOT NULL,
	capability  TEXT NOT NULL,
	attempt     INTEGER NOT NULL,
	status      TEXT NOT NULL,
	input       TEXT,
	output      TEXT,
	error       TEXT,
	error_kind  TEXT,
	claimed_by  TEXT,
	not_before  INTEGER,
	started_at  INTEGER,
	finished_at INTEGER,
	heartbeat_at INTEGER,
	created_at  INTEGER NOT NULL,
	UNIQUE (run_id, stage_id, attempt)
);

CREATE UNIQUE INDEX IF NOT EXISTS tasks_one_active_idx
	ON tasks (run_id, stage_id) WHERE status IN ('QUEUED', 'RUNNING');

CREATE TABLE IF NOT EXISTS orders (
	key            TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	market_id      TEXT NOT NULL,
	side           TEXT NOT NULL,
	outcome        TEXT NOT NULL,
	size           INTEGER NOT NULL,
	price          TEXT NOT NULL,
	external_id    TEXT,
	status         TEXT NOT NULL,
	filled_qty     INTEGER NOT NULL DEFAULT 0,
	avg_fill_price TEXT NOT NULL DEFAULT '0',
	reject_reason  TEXT,
	version        INTEGER NOT NULL DEFAULT 1,
	created_at     INTEGER NOT NULL,
	submitted_at   INTEGER,
	updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS features (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`
