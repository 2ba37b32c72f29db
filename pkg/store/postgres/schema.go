// Package postgres provides a PostgreSQL-backed implementation of
// [store.Store] for consultscribe.
//
// All record families share a single [pgxpool.Pool]. [Migrate] creates the
// schema idempotently and is run by [NewStore] when requested.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn, postgres.WithMigrate(true))
//	if err != nil { … }
//	defer st.Close()
//
//	rec, _ := st.CreateRecord(ctx, store.TranscriptRecord{…})
//	rec, err = st.UpdateRecord(ctx, rec) // compare-and-swap on rec.Version
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Transcript records
// ─────────────────────────────────────────────────────────────────────────────

const ddlTranscriptRecords = `
CREATE TABLE IF NOT EXISTS transcript_records (
    id          TEXT         PRIMARY KEY,
    seq         BIGSERIAL    NOT NULL,
    session_id  TEXT         NOT NULL,
    entries     JSONB        NOT NULL DEFAULT '[]',
    status      TEXT         NOT NULL,
    frozen      BOOLEAN      NOT NULL DEFAULT false,
    version     BIGINT       NOT NULL DEFAULT 1,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    demoted_at  TIMESTAMPTZ,
    demoted_by  TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_transcript_records_session_status
    ON transcript_records (session_id, status);

CREATE INDEX IF NOT EXISTS idx_transcript_records_session_created
    ON transcript_records (session_id, created_at, seq);
`

// ─────────────────────────────────────────────────────────────────────────────
// Sessions and suggestions
// ─────────────────────────────────────────────────────────────────────────────

const ddlSessions = `
CREATE TABLE IF NOT EXISTS consult_sessions (
    id            TEXT         PRIMARY KEY,
    seq           BIGSERIAL    NOT NULL,
    state         TEXT         NOT NULL,
    participants  JSONB        NOT NULL DEFAULT '[]',
    consent       BOOLEAN      NOT NULL DEFAULT false,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    started_at    TIMESTAMPTZ,
    closed_at     TIMESTAMPTZ,
    archived      BOOLEAN      NOT NULL DEFAULT false,
    summary       JSONB
);
`

const ddlSuggestions = `
CREATE TABLE IF NOT EXISTS suggestions (
    session_id  TEXT              NOT NULL,
    id          TEXT              NOT NULL,
    category    TEXT              NOT NULL,
    priority    INTEGER           NOT NULL DEFAULT 0,
    confidence  DOUBLE PRECISION  NOT NULL DEFAULT 0,
    text        TEXT              NOT NULL DEFAULT '',
    used        BOOLEAN           NOT NULL DEFAULT false,
    used_at     TIMESTAMPTZ,
    seq         BIGSERIAL         NOT NULL,
    PRIMARY KEY (session_id, id)
);

ALTER TABLE suggestions ADD COLUMN IF NOT EXISTS seq BIGSERIAL;

CREATE INDEX IF NOT EXISTS idx_suggestions_session_seq
    ON suggestions (session_id, seq);
`

// Migrate creates or ensures all required tables and indexes exist.
// It is idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlTranscriptRecords, ddlSessions, ddlSuggestions} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
