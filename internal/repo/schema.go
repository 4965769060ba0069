package repo

// pgSchema — схема Postgres. Идемпотентна.
const pgSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id              UUID PRIMARY KEY,
	pipeline        TEXT NOT NULL,
	spec            JSONB NOT NULL,
	status          TEXT NOT NULL CHECK (status IN ('PENDING','RUNNING','SUCCEEDED','FAILED','ABORTED')),
	inputs          JSONB,
	signal          JSONB,
	execution       JSONB,
	started_at      TIMESTAMPTZ,
	finished_at     TIMESTAMPTZ,
	error           TEXT,
	idempotency_key TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS runs_idempotency_idx
	ON runs (pipeline, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS runs_incomplete_idx
	ON runs (created_at) WHERE status IN ('PENDING','RUNNING');

CREATE TABLE IF NOT EXISTS tasks (
	id          UUID PRIMARY KEY,
	run_id      UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	stage_id    TEXT NOT NULL,
	capability  TEXT NOT NULL,
	attempt     INT NOT NULL,
	status      TEXT NOT NULL CHECK (status IN ('QUEUED','RUNNING','SUCCEEDED','FAILED','RETRYING')),
	input       JSONB,
	output      JSONB,
	error       TEXT,
	error_kind  TEXT,
	claimed_by  TEXT,
	not_before  TIMESTAMPTZ,
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	heartbeat_at TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, stage_id, attempt)
);

CREATE UNIQUE INDEX IF NOT EXISTS tasks_one_active_idx
	ON tasks (run_id, stage_id) WHERE status IN ('QUEUED','RUNNING');

ALTER TABLE tasks ADD COLUMN IF NOT EXISTS heartbeat_at TIMESTAMPTZ;

CREATE TABLE IF NOT EXISTS orders (
	key            TEXT PRIMARY KEY,
	run_id         UUID NOT NULL,
	market_id      TEXT NOT NULL,
	side           TEXT NOT NULL,
	outcome        TEXT NOT NULL,
	size           BIGINT NOT NULL,
	price          NUMERIC(10,4) NOT NULL,
	external_id    TEXT,
	status         TEXT NOT NULL,
	filled_qty     BIGINT NOT NULL DEFAULT 0,
	avg_fill_price NUMERIC(10,4) NOT NULL DEFAULT 0,
	reject_reason  TEXT,
	version        INT NOT NULL DEFAULT 1,
	created_at     TIMESTAMPTZ NOT NULL,
	submitted_at   TIMESTAMPTZ,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS orders_open_idx
	ON orders (created_at) WHERE status IN ('PENDING','SUBMITTED','PARTIALLY_FILLED');
CREATE INDEX IF NOT EXISTS orders_run_idx ON orders (run_id);

CREATE TABLE IF NOT EXISTS features (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`
