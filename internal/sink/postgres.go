package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voluble-ai/voluble/internal/conv"
)

// Compile-time assertion that Postgres implements Sink.
var _ Sink = (*Postgres)(nil)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT         PRIMARY KEY,
    tenant_id     TEXT         NOT NULL,
    user_id       TEXT         NOT NULL,
    state         TEXT         NOT NULL,
    config        JSONB        NOT NULL DEFAULT '{}',
    metrics       JSONB        NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ  NOT NULL,
    last_activity TIMESTAMPTZ  NOT NULL,
    ended_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sessions_tenant_user
    ON sessions (tenant_id, user_id);
`

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id                TEXT         PRIMARY KEY,
    session_id        TEXT         NOT NULL,
    user_text         TEXT         NOT NULL,
    assistant_text    TEXT         NOT NULL,
    citations         JSONB        NOT NULL DEFAULT '[]',
    audio_duration_ms BIGINT       NOT NULL DEFAULT 0,
    latency_ms        BIGINT       NOT NULL DEFAULT 0,
    completed_at      TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_turns_session_id
    ON turns (session_id, completed_at);
`

const ddlTransitions = `
CREATE TABLE IF NOT EXISTS transitions (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    from_state  TEXT         NOT NULL,
    to_state    TEXT         NOT NULL,
    event       TEXT         NOT NULL,
    metadata    JSONB        NOT NULL DEFAULT '{}',
    at          TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_session_id
    ON transitions (session_id, at);
`

// Migrate creates or ensures all required tables exist. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlTurns, ddlTransitions} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("sink migrate: %w", err)
		}
	}
	return nil
}

// Postgres is the PostgreSQL-backed Sink. All operations are safe for
// concurrent use.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres establishes a connection pool to the database at dsn and runs
// [Migrate].
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("sink: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sink: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// UpsertSession implements [Sink].
func (p *Postgres) UpsertSession(ctx context.Context, snap conv.Snapshot) error {
	cfg, err := json.Marshal(snap.Config)
	if err != nil {
		return fmt.Errorf("sink: marshal config: %w", err)
	}
	metrics, err := json.Marshal(snap.Metrics)
	if err != nil {
		return fmt.Errorf("sink: marshal metrics: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO sessions (id, tenant_id, user_id, state, config, metrics, created_at, last_activity, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
		    state = EXCLUDED.state,
		    metrics = EXCLUDED.metrics,
		    last_activity = EXCLUDED.last_activity,
		    ended_at = EXCLUDED.ended_at`,
		snap.ID, snap.TenantID, snap.UserID, string(snap.State),
		cfg, metrics, snap.CreatedAt, snap.LastActivity, snap.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("sink: upsert session: %w", err)
	}
	return nil
}

// WriteTurn implements [Sink].
func (p *Postgres) WriteTurn(ctx context.Context, sessionID string, turn conv.Turn) error {
	citations := turn.Citations
	if citations == nil {
		citations = []string{}
	}
	raw, err := json.Marshal(citations)
	if err != nil {
		return fmt.Errorf("sink: marshal citations: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO turns (id, session_id, user_text, assistant_text, citations, audio_duration_ms, latency_ms, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		turn.ID, sessionID, turn.UserText, turn.AssistantText,
		raw, turn.AudioDurationMS, turn.LatencyMS, turn.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("sink: write turn: %w", err)
	}
	return nil
}

// WriteTransition implements [Sink].
func (p *Postgres) WriteTransition(ctx context.Context, sessionID string, tr conv.Transition) error {
	meta := tr.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("sink: marshal metadata: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO transitions (session_id, from_state, to_state, event, metadata, at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sessionID, string(tr.From), string(tr.To), tr.Event, raw, tr.At,
	)
	if err != nil {
		return fmt.Errorf("sink: write transition: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
