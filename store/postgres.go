// Package store persists sessions, sequence runs and suspension records in PostgreSQL, so that a
// callback handled by one harness process can resume a run started by another.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openhealth/conformance-harness/framework/sequence"
	"github.com/openhealth/conformance-harness/framework/session"
	"github.com/openhealth/conformance-harness/framework/suspend"
)

const uniqueViolation = "23505"

// Postgres implements session.Store, sequence.RunStore and suspend.Store.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ session.Store     = (*Postgres)(nil)
	_ sequence.RunStore = (*Postgres)(nil)
	_ suspend.Store     = (*Postgres)(nil)
)

func Open(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() { s.pool.Close() }

func (s *Postgres) LoadSession(ctx context.Context, id string) (*session.Context, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM sessions WHERE id=$1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("session %s has malformed data: %w", id, err)
	}
	return session.New(id, values), nil
}

func (s *Postgres) SaveSession(ctx context.Context, c *session.Context) error {
	data, err := json.Marshal(c.Snapshot())
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, data) VALUES ($1, $2::jsonb)
		ON CONFLICT (id) DO UPDATE SET data=EXCLUDED.data, updated_at=now()
	`, c.ID(), string(data))
	return err
}

func (s *Postgres) SaveRun(ctx context.Context, run sequence.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sequence_runs (id, session_id, sequence, status, verdict, data, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
		  status=EXCLUDED.status,
		  verdict=EXCLUDED.verdict,
		  data=EXCLUDED.data,
		  finished_at=EXCLUDED.finished_at,
		  updated_at=now()
	`, run.ID, run.SessionID, run.Sequence, string(run.Status), string(run.Verdict), string(data),
		run.StartedAt, run.FinishedAt)
	return err
}

func (s *Postgres) LoadRun(ctx context.Context, id string) (sequence.Run, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM sequence_runs WHERE id=$1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return sequence.Run{}, sequence.ErrRunNotFound
	}
	if err != nil {
		return sequence.Run{}, err
	}
	var run sequence.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return sequence.Run{}, fmt.Errorf("run %s has malformed data: %w", id, err)
	}
	return run, nil
}

// RunsForSession lists the runs of a session, oldest first.
func (s *Postgres) RunsForSession(ctx context.Context, sessionID string) ([]sequence.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM sequence_runs WHERE session_id=$1 ORDER BY started_at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []sequence.Run
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var run sequence.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

const suspensionColumns = `token_id, session_id, run_id, sequence, resume_index, endpoint,
	COALESCE(redirect_url,''), state, created_at, expires_at`

func scanSuspension(row pgx.Row) (suspend.Record, error) {
	var r suspend.Record
	var state string
	err := row.Scan(&r.TokenID, &r.SessionID, &r.RunID, &r.Sequence, &r.ResumeIndex, &r.Endpoint,
		&r.RedirectURL, &state, &r.CreatedAt, &r.ExpiresAt)
	r.State = suspend.State(state)
	return r, err
}

func (s *Postgres) PutWaiting(ctx context.Context, rec suspend.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO suspensions (token_id, session_id, run_id, sequence, resume_index, endpoint,
		  redirect_url, state, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.TokenID, rec.SessionID, rec.RunID, rec.Sequence, rec.ResumeIndex, rec.Endpoint,
		nullIfEmpty(rec.RedirectURL), string(suspend.Waiting), rec.CreatedAt, rec.ExpiresAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return suspend.ErrSessionBusy
	}
	return err
}

// Claim moves a record out of Waiting with a single conditional UPDATE, so concurrent claims for
// the same token cannot both succeed.
func (s *Postgres) Claim(ctx context.Context, tokenID string, now time.Time) (suspend.Record, error) {
	rec, err := scanSuspension(s.pool.QueryRow(ctx, `
		UPDATE suspensions SET state=$3
		WHERE token_id=$1 AND state=$4 AND expires_at > $2
		RETURNING `+suspensionColumns,
		tokenID, now, string(suspend.Resumed), string(suspend.Waiting)))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return suspend.Record{}, err
	}

	rec, err = scanSuspension(s.pool.QueryRow(ctx,
		`SELECT `+suspensionColumns+` FROM suspensions WHERE token_id=$1`, tokenID))
	if errors.Is(err, pgx.ErrNoRows) {
		return suspend.Record{}, suspend.ErrUnknownResumption
	}
	if err != nil {
		return suspend.Record{}, err
	}
	switch rec.State {
	case suspend.Resumed:
		return suspend.Record{}, suspend.ErrAlreadyResumed
	case suspend.Cancelled:
		return suspend.Record{}, suspend.ErrCancelled
	}
	return suspend.Record{}, suspend.ErrUnknownResumption
}

func (s *Postgres) CancelRun(ctx context.Context, runID string) (suspend.Record, error) {
	rec, err := scanSuspension(s.pool.QueryRow(ctx, `
		UPDATE suspensions SET state=$2
		WHERE run_id=$1 AND state=$3
		RETURNING `+suspensionColumns,
		runID, string(suspend.Cancelled), string(suspend.Waiting)))
	if errors.Is(err, pgx.ErrNoRows) {
		return suspend.Record{}, suspend.ErrNoRecord
	}
	return rec, err
}

func (s *Postgres) WaitingForSession(ctx context.Context, sessionID string) (suspend.Record, bool, error) {
	rec, err := scanSuspension(s.pool.QueryRow(ctx,
		`SELECT `+suspensionColumns+` FROM suspensions WHERE session_id=$1 AND state=$2`,
		sessionID, string(suspend.Waiting)))
	if errors.Is(err, pgx.ErrNoRows) {
		return suspend.Record{}, false, nil
	}
	if err != nil {
		return suspend.Record{}, false, err
	}
	return rec, true, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
