// Package postgres stores call records in PostgreSQL.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.Save(ctx, rec)
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/switchboard/pkg/callstore"
	"github.com/MrWong99/switchboard/pkg/types"
)

var _ callstore.Store = (*Store)(nil)

const defaultListLimit = 50

const ddl = `
CREATE TABLE IF NOT EXISTS calls (
    session_id  TEXT         PRIMARY KEY,
    call_id     TEXT         NOT NULL DEFAULT '',
    stream_id   TEXT         NOT NULL DEFAULT '',
    caller      TEXT         NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ  NOT NULL,
    ended_at    TIMESTAMPTZ  NOT NULL,
    outcome     TEXT         NOT NULL,
    error       TEXT         NOT NULL DEFAULT '',
    model       TEXT         NOT NULL DEFAULT '',
    voice       TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_calls_started_at ON calls (started_at DESC);
CREATE INDEX IF NOT EXISTS idx_calls_caller     ON calls (caller);

CREATE TABLE IF NOT EXISTS call_messages (
    session_id  TEXT     NOT NULL REFERENCES calls (session_id) ON DELETE CASCADE,
    position    INTEGER  NOT NULL,
    role        TEXT     NOT NULL,
    name        TEXT     NOT NULL DEFAULT '',
    content     TEXT     NOT NULL,
    PRIMARY KEY (session_id, position)
);
`

// Store is a [callstore.Store] backed by a [pgxpool.Pool].
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("callstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("callstore: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("callstore: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the tables and indexes if they do not exist. It is
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create call tables: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Ping implements [callstore.Store].
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Save implements [callstore.Store]. The call row and its messages are
// written in one transaction; messages are bulk-loaded with COPY.
func (s *Store) Save(ctx context.Context, rec callstore.Record) error {
	if rec.SessionID == "" {
		return errors.New("callstore: record has no session id")
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const upsert = `
			INSERT INTO calls
			    (session_id, call_id, stream_id, caller, started_at, ended_at, outcome, error, model, voice)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (session_id) DO UPDATE SET
			    call_id = EXCLUDED.call_id, stream_id = EXCLUDED.stream_id, caller = EXCLUDED.caller,
			    started_at = EXCLUDED.started_at, ended_at = EXCLUDED.ended_at,
			    outcome = EXCLUDED.outcome, error = EXCLUDED.error,
			    model = EXCLUDED.model, voice = EXCLUDED.voice`
		if _, err := tx.Exec(ctx, upsert,
			rec.SessionID, rec.CallID, rec.StreamID, rec.From,
			rec.StartedAt, rec.EndedAt, string(rec.Outcome), rec.Error,
			rec.Model, rec.Voice,
		); err != nil {
			return fmt.Errorf("upsert call: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM call_messages WHERE session_id = $1`, rec.SessionID); err != nil {
			return fmt.Errorf("clear messages: %w", err)
		}
		msgs := rec.Transcript
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"call_messages"},
			[]string{"session_id", "position", "role", "name", "content"},
			pgx.CopyFromSlice(len(msgs), func(i int) ([]any, error) {
				m := msgs[i]
				return []any{rec.SessionID, int32(i), m.Role, m.Name, m.Content}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("copy messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("callstore: save %s: %w", rec.SessionID, err)
	}
	return nil
}

// Get implements [callstore.Store].
func (s *Store) Get(ctx context.Context, sessionID string) (*callstore.Record, error) {
	rows, err := s.pool.Query(ctx, selectCalls+` WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("callstore: get: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, callstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("callstore: get: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT role, name, content
		FROM   call_messages
		WHERE  session_id = $1
		ORDER  BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("callstore: get messages: %w", err)
	}
	rec.Transcript, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Message, error) {
		var m types.Message
		err := row.Scan(&m.Role, &m.Name, &m.Content)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("callstore: scan messages: %w", err)
	}
	return &rec, nil
}

// List implements [callstore.Store].
func (s *Store) List(ctx context.Context, opts callstore.ListOptions) ([]callstore.Record, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if opts.From != "" {
		conditions = append(conditions, "caller = "+next(opts.From))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "started_at > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "started_at < "+next(opts.Before))
	}
	if opts.Outcome != "" {
		conditions = append(conditions, "outcome = "+next(string(opts.Outcome)))
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	q := selectCalls
	if len(conditions) > 0 {
		q += " WHERE " + strings.Join(conditions, " AND ")
	}
	q += " ORDER BY started_at DESC LIMIT " + next(limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("callstore: list: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("callstore: scan calls: %w", err)
	}
	return recs, nil
}

const selectCalls = `
	SELECT session_id, call_id, stream_id, caller, started_at, ended_at, outcome, error, model, voice
	FROM   calls`

func scanRecord(row pgx.CollectableRow) (callstore.Record, error) {
	var (
		r       callstore.Record
		outcome string
	)
	err := row.Scan(
		&r.SessionID, &r.CallID, &r.StreamID, &r.From,
		&r.StartedAt, &r.EndedAt, &outcome, &r.Error,
		&r.Model, &r.Voice,
	)
	r.Outcome = callstore.Outcome(outcome)
	return r, err
}
