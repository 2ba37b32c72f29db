package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/consultscribe/pkg/store"
	"github.com/MrWong99/consultscribe/pkg/types"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Store is the PostgreSQL-backed [store.Store]. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Option configures [NewStore].
type Option func(*options)

type options struct {
	migrate  bool
	maxConns int32
}

// WithMigrate runs [Migrate] after connecting.
func WithMigrate(enabled bool) Option {
	return func(o *options) { o.migrate = enabled }
}

// WithMaxConns caps the pool size. Zero keeps the pgx default.
func WithMaxConns(n int32) Option {
	return func(o *options) { o.maxConns = n }
}

// NewStore creates a connection pool to the database at dsn, verifies it
// with a ping, and optionally runs [Migrate].
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	if o.maxConns > 0 {
		cfg.MaxConns = o.maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if o.migrate {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres store: %w", err)
		}
	}
	return &Store{pool: pool}, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ─────────────────────────────────────────────────────────────────────────────
// Transcript records
// ─────────────────────────────────────────────────────────────────────────────

// CreateRecord implements [store.TranscriptStore].
func (s *Store) CreateRecord(ctx context.Context, rec store.TranscriptRecord) (store.TranscriptRecord, error) {
	const q = `
		INSERT INTO transcript_records
		    (id, session_id, entries, status, frozen, version, created_at, updated_at, demoted_at, demoted_by)
		VALUES ($1, $2, $3, $4, $5, 1, COALESCE($6, now()), now(), $7, $8)
		RETURNING seq, version, created_at, updated_at`

	entries, err := marshalEntries(rec.Entries)
	if err != nil {
		return store.TranscriptRecord{}, err
	}
	var createdAt *time.Time
	if !rec.CreatedAt.IsZero() {
		createdAt = &rec.CreatedAt
	}

	out := rec.Clone()
	err = s.pool.QueryRow(ctx, q,
		rec.ID,
		rec.SessionID,
		entries,
		string(rec.Status),
		rec.Frozen,
		createdAt,
		rec.DemotedAt,
		rec.DemotedBy,
	).Scan(&out.Seq, &out.Version, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.TranscriptRecord{}, store.ErrDuplicate
		}
		return store.TranscriptRecord{}, fmt.Errorf("postgres store: create record: %w", err)
	}
	return out, nil
}

// UpdateRecord implements [store.TranscriptStore]. The WHERE clause on
// version makes the write a compare-and-swap.
func (s *Store) UpdateRecord(ctx context.Context, rec store.TranscriptRecord) (store.TranscriptRecord, error) {
	const q = `
		UPDATE transcript_records
		SET    entries = $3, status = $4, frozen = $5, demoted_at = $6, demoted_by = $7,
		       version = version + 1, updated_at = now()
		WHERE  id = $1 AND version = $2
		RETURNING session_id, seq, version, created_at, updated_at`

	entries, err := marshalEntries(rec.Entries)
	if err != nil {
		return store.TranscriptRecord{}, err
	}

	out := rec.Clone()
	err = s.pool.QueryRow(ctx, q,
		rec.ID,
		rec.Version,
		entries,
		string(rec.Status),
		rec.Frozen,
		rec.DemotedAt,
		rec.DemotedBy,
	).Scan(&out.SessionID, &out.Seq, &out.Version, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM transcript_records WHERE id = $1)`, rec.ID,
		).Scan(&exists); err != nil {
			return store.TranscriptRecord{}, fmt.Errorf("postgres store: update record: %w", err)
		}
		if exists {
			return store.TranscriptRecord{}, store.ErrVersionConflict
		}
		return store.TranscriptRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.TranscriptRecord{}, fmt.Errorf("postgres store: update record: %w", err)
	}
	return out, nil
}

// ListRecords implements [store.TranscriptStore].
func (s *Store) ListRecords(ctx context.Context, sessionID string, statuses ...store.Status) ([]store.TranscriptRecord, error) {
	const q = `
		SELECT id, session_id, entries, status, frozen, version, seq,
		       created_at, updated_at, demoted_at, demoted_by
		FROM   transcript_records
		WHERE  session_id = $1
		  AND  ($2::text[] IS NULL OR status = ANY($2))
		ORDER  BY created_at, seq`

	var filter []string
	for _, st := range statuses {
		filter = append(filter, string(st))
	}

	rows, err := s.pool.Query(ctx, q, sessionID, filter)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list records: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.TranscriptRecord, error) {
		var (
			r      store.TranscriptRecord
			raw    []byte
			status string
		)
		if err := row.Scan(
			&r.ID, &r.SessionID, &raw, &status, &r.Frozen, &r.Version, &r.Seq,
			&r.CreatedAt, &r.UpdatedAt, &r.DemotedAt, &r.DemotedBy,
		); err != nil {
			return store.TranscriptRecord{}, err
		}
		r.Status = store.Status(status)
		if err := json.Unmarshal(raw, &r.Entries); err != nil {
			return store.TranscriptRecord{}, fmt.Errorf("decode entries of %s: %w", r.ID, err)
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan records: %w", err)
	}
	if recs == nil {
		recs = []store.TranscriptRecord{}
	}
	return recs, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────────────────────────────────────────

// CreateSession implements [store.SessionStore].
func (s *Store) CreateSession(ctx context.Context, rec store.SessionRecord) error {
	const q = `
		INSERT INTO consult_sessions
		    (id, state, participants, consent, created_at, started_at, closed_at, archived, summary)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	participants, summary, err := marshalSession(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, q,
		rec.ID, rec.State, participants, rec.Consent, rec.CreatedAt,
		rec.StartedAt, rec.ClosedAt, rec.Archived, summary,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("postgres store: create session: %w", err)
	}
	return nil
}

// SaveSession implements [store.SessionStore].
func (s *Store) SaveSession(ctx context.Context, rec store.SessionRecord) error {
	const q = `
		UPDATE consult_sessions
		SET    state = $2, participants = $3, consent = $4, started_at = $5,
		       closed_at = $6, archived = $7, summary = $8
		WHERE  id = $1`

	participants, summary, err := marshalSession(rec)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, q,
		rec.ID, rec.State, participants, rec.Consent,
		rec.StartedAt, rec.ClosedAt, rec.Archived, summary,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const selectSession = `
	SELECT id, state, participants, consent, created_at, started_at, closed_at, archived, summary
	FROM   consult_sessions`

// GetSession implements [store.SessionStore].
func (s *Store) GetSession(ctx context.Context, id string) (store.SessionRecord, error) {
	rows, err := s.pool.Query(ctx, selectSession+` WHERE id = $1`, id)
	if err != nil {
		return store.SessionRecord{}, fmt.Errorf("postgres store: get session: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.SessionRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.SessionRecord{}, fmt.Errorf("postgres store: get session: %w", err)
	}
	return rec, nil
}

// ListSessions implements [store.SessionStore].
func (s *Store) ListSessions(ctx context.Context) ([]store.SessionRecord, error) {
	rows, err := s.pool.Query(ctx, selectSession+` ORDER BY created_at, seq`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list sessions: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list sessions: %w", err)
	}
	if recs == nil {
		recs = []store.SessionRecord{}
	}
	return recs, nil
}

func scanSession(row pgx.CollectableRow) (store.SessionRecord, error) {
	var (
		rec          store.SessionRecord
		participants []byte
		summary      []byte
	)
	if err := row.Scan(
		&rec.ID, &rec.State, &participants, &rec.Consent, &rec.CreatedAt,
		&rec.StartedAt, &rec.ClosedAt, &rec.Archived, &summary,
	); err != nil {
		return store.SessionRecord{}, err
	}
	if err := json.Unmarshal(participants, &rec.Participants); err != nil {
		return store.SessionRecord{}, fmt.Errorf("decode participants of %s: %w", rec.ID, err)
	}
	if len(summary) > 0 {
		rec.Summary = &types.Summary{}
		if err := json.Unmarshal(summary, rec.Summary); err != nil {
			return store.SessionRecord{}, fmt.Errorf("decode summary of %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Suggestions
// ─────────────────────────────────────────────────────────────────────────────

// SaveSuggestion implements [store.SuggestionStore].
func (s *Store) SaveSuggestion(ctx context.Context, sg types.Suggestion) (bool, error) {
	const q = `
		INSERT INTO suggestions (session_id, id, category, priority, confidence, text, used, used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, q,
		sg.SessionID, sg.ID, sg.Category, sg.Priority, sg.Confidence, sg.Text, sg.Used, sg.UsedAt,
	)
	if err != nil {
		return false, fmt.Errorf("postgres store: save suggestion: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSuggestionUsed implements [store.SuggestionStore].
func (s *Store) MarkSuggestionUsed(ctx context.Context, sessionID, suggestionID string, at time.Time) (types.Suggestion, bool, error) {
	const mark = `
		UPDATE suggestions SET used = true, used_at = $3
		WHERE  session_id = $1 AND id = $2 AND NOT used`
	const get = `
		SELECT session_id, id, category, priority, confidence, text, used, used_at
		FROM   suggestions
		WHERE  session_id = $1 AND id = $2`

	tag, err := s.pool.Exec(ctx, mark, sessionID, suggestionID, at)
	if err != nil {
		return types.Suggestion{}, false, fmt.Errorf("postgres store: mark suggestion used: %w", err)
	}

	var sg types.Suggestion
	err = s.pool.QueryRow(ctx, get, sessionID, suggestionID).Scan(
		&sg.SessionID, &sg.ID, &sg.Category, &sg.Priority, &sg.Confidence, &sg.Text, &sg.Used, &sg.UsedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Suggestion{}, false, store.ErrNotFound
	}
	if err != nil {
		return types.Suggestion{}, false, fmt.Errorf("postgres store: get suggestion: %w", err)
	}
	return sg, tag.RowsAffected() == 1, nil
}

// SuggestionUsage implements [store.SuggestionStore].
func (s *Store) SuggestionUsage(ctx context.Context, sessionID string) (types.SuggestionUsage, error) {
	const q = `
		SELECT count(*), count(*) FILTER (WHERE used)
		FROM   suggestions
		WHERE  session_id = $1`

	var u types.SuggestionUsage
	if err := s.pool.QueryRow(ctx, q, sessionID).Scan(&u.Total, &u.Used); err != nil {
		return types.SuggestionUsage{}, fmt.Errorf("postgres store: suggestion usage: %w", err)
	}
	return u, nil
}

// ListSuggestions implements [store.SuggestionStore].
func (s *Store) ListSuggestions(ctx context.Context, sessionID string) ([]types.Suggestion, error) {
	const q = `
		SELECT session_id, id, category, priority, confidence, text, used, used_at
		FROM   suggestions
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list suggestions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Suggestion, error) {
		var sg types.Suggestion
		err := row.Scan(&sg.SessionID, &sg.ID, &sg.Category, &sg.Priority, &sg.Confidence, &sg.Text, &sg.Used, &sg.UsedAt)
		return sg, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan suggestions: %w", err)
	}
	if out == nil {
		out = []types.Suggestion{}
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func marshalEntries(entries []types.Entry) ([]byte, error) {
	if entries == nil {
		entries = []types.Entry{}
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("postgres store: encode entries: %w", err)
	}
	return b, nil
}

func marshalSession(rec store.SessionRecord) (participants, summary []byte, err error) {
	ps := rec.Participants
	if ps == nil {
		ps = []types.Participant{}
	}
	if participants, err = json.Marshal(ps); err != nil {
		return nil, nil, fmt.Errorf("postgres store: encode participants: %w", err)
	}
	if rec.Summary != nil {
		if summary, err = json.Marshal(rec.Summary); err != nil {
			return nil, nil, fmt.Errorf("postgres store: encode summary: %w", err)
		}
	}
	return participants, summary, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
