package store

import (
	"context"
	"fmt"
)

// Schema is idempotent DDL for the Postgres store. The unique
// constraint and index names are load-bearing: violation translation
// keys off them.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id                   BIGSERIAL PRIMARY KEY,
    email                TEXT NOT NULL,
    password_hash        TEXT NOT NULL,
    first_name           TEXT NOT NULL DEFAULT '',
    last_name            TEXT NOT NULL DEFAULT '',
    birth_year           INT NOT NULL DEFAULT 0,
    education_level      TEXT NOT NULL DEFAULT '',
    country              TEXT NOT NULL DEFAULT '',
    region               TEXT NOT NULL DEFAULT '',
    token_revoked_before TIMESTAMPTZ,
    push_token           TEXT NOT NULL DEFAULT '',
    push_enabled         BOOLEAN NOT NULL DEFAULT FALSE,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT users_email_key UNIQUE (email)
);

CREATE TABLE IF NOT EXISTS items (
    id                   BIGSERIAL PRIMARY KEY,
    prompt               TEXT NOT NULL,
    stimulus             TEXT NOT NULL DEFAULT '',
    options              JSONB NOT NULL DEFAULT '[]',
    correct_index        INT NOT NULL DEFAULT 0,
    domain               TEXT NOT NULL,
    difficulty           TEXT NOT NULL,
    p_value              DOUBLE PRECISION NOT NULL DEFAULT 0,
    discrimination       DOUBLE PRECISION NOT NULL DEFAULT 0,
    irt_a                DOUBLE PRECISION,
    irt_b                DOUBLE PRECISION,
    irt_se_a             DOUBLE PRECISION,
    irt_se_b             DOUBLE PRECISION,
    irt_information_peak DOUBLE PRECISION,
    irt_calibrated_at    TIMESTAMPTZ,
    irt_calibration_n    INT NOT NULL DEFAULT 0,
    active               BOOLEAN NOT NULL DEFAULT TRUE,
    quality              TEXT NOT NULL DEFAULT 'normal',
    anchor               BOOLEAN NOT NULL DEFAULT FALSE,
    anchor_since         TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS sessions (
    id                 BIGSERIAL PRIMARY KEY,
    user_id            BIGINT NOT NULL REFERENCES users(id),
    mode               TEXT NOT NULL,
    status             TEXT NOT NULL,
    theta              DOUBLE PRECISION NOT NULL DEFAULT 0,
    se                 DOUBLE PRECISION NOT NULL DEFAULT 1,
    served_items       JSONB NOT NULL DEFAULT '[]',
    current_item_id    BIGINT,
    assigned_items     JSONB NOT NULL DEFAULT '[]',
    theta_history      JSONB NOT NULL DEFAULT '[]',
    domain_counts      JSONB NOT NULL DEFAULT '{}',
    correct_count      INT NOT NULL DEFAULT 0,
    items_administered INT NOT NULL DEFAULT 0,
    stop_reason        TEXT NOT NULL DEFAULT '',
    final_theta        DOUBLE PRECISION,
    final_se           DOUBLE PRECISION,
    started_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at       TIMESTAMPTZ,
    version            BIGINT NOT NULL DEFAULT 1
);

CREATE UNIQUE INDEX IF NOT EXISTS sessions_one_active_idx
    ON sessions (user_id) WHERE status = 'in_progress';

CREATE TABLE IF NOT EXISTS responses (
    id              BIGSERIAL PRIMARY KEY,
    user_id         BIGINT NOT NULL REFERENCES users(id),
    session_id      BIGINT NOT NULL REFERENCES sessions(id),
    item_id         BIGINT NOT NULL REFERENCES items(id),
    answer          TEXT NOT NULL,
    correct         BOOLEAN NOT NULL,
    latency_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    answered_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT responses_session_item_key UNIQUE (session_id, item_id)
);

CREATE INDEX IF NOT EXISTS responses_item_idx ON responses (item_id);

CREATE TABLE IF NOT EXISTS password_reset_tokens (
    token      TEXT PRIMARY KEY,
    user_id    BIGINT NOT NULL REFERENCES users(id),
    expires_at TIMESTAMPTZ NOT NULL,
    used_at    TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS password_reset_tokens_user_idx ON password_reset_tokens (user_id);

CREATE TABLE IF NOT EXISTS reliability_metrics (
    id            BIGSERIAL PRIMARY KEY,
    kind          TEXT NOT NULL,
    value         DOUBLE PRECISION NOT NULL,
    sample_size   INT NOT NULL,
    details       JSONB NOT NULL DEFAULT '{}',
    calculated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS security_events (
    id         BIGSERIAL PRIMARY KEY,
    event      TEXT NOT NULL,
    user_id    BIGINT,
    email      TEXT NOT NULL DEFAULT '',
    ip         TEXT NOT NULL DEFAULT '',
    request_id TEXT NOT NULL DEFAULT '',
    detail     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS security_events_event_time_idx ON security_events (event, created_at);
`

// EnsureSchema creates any missing tables and indexes.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: ensuring schema: %w", err)
	}
	return nil
}
