package postgres

const schema = `
CREATE TABLE IF NOT EXISTS deposits (
	scope       TEXT    NOT NULL,
	position_id BIGINT  NOT NULL,
	owner       TEXT    NOT NULL,
	liquidity   NUMERIC NOT NULL,
	token0      TEXT    NOT NULL,
	token1      TEXT    NOT NULL,
	tick_lower  INTEGER NOT NULL,
	tick_upper  INTEGER NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (scope, position_id)
);

CREATE TABLE IF NOT EXISTS pending_collections (
	scope        TEXT    NOT NULL,
	position_id  BIGINT  NOT NULL,
	owner        TEXT    NOT NULL,
	amount0_owed NUMERIC NOT NULL,
	amount1_owed NUMERIC NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (scope, position_id)
);

CREATE TABLE IF NOT EXISTS unallocated_balances (
	scope      TEXT    NOT NULL,
	owner      TEXT    NOT NULL,
	amount0    NUMERIC NOT NULL,
	amount1    NUMERIC NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (scope, owner)
);

CREATE TABLE IF NOT EXISTS unpublished_events (
	scope    TEXT   NOT NULL,
	sequence BIGINT NOT NULL,
	payload  JSONB  NOT NULL,
	PRIMARY KEY (scope, sequence)
);

CREATE TABLE IF NOT EXISTS lifecycle_events (
	id           UUID        PRIMARY KEY,
	scope        TEXT        NOT NULL,
	sequence     BIGINT      NOT NULL,
	operation_id UUID        NOT NULL,
	name         TEXT        NOT NULL,
	position_id  BIGINT      NOT NULL,
	emitted_at   TIMESTAMPTZ NOT NULL,
	data         JSONB       NOT NULL
);

CREATE INDEX IF NOT EXISTS lifecycle_events_position_idx ON lifecycle_events (scope, position_id, sequence);

CREATE TABLE IF NOT EXISTS audit_checkpoints (
	name                 TEXT PRIMARY KEY,
	last_processed_block BIGINT NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
