// Package postgres implements audit.Store using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool; Close here is a
// no-op so the same pool can back other components.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/replbox"
	"github.com/nevindra/replbox/audit"
)

// Store implements audit.Store backed by PostgreSQL.
// Artifact lists are stored as JSONB.
type Store struct {
	pool *pgxpool.Pool
}

var _ audit.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			code TEXT NOT NULL,
			response TEXT NOT NULL,
			fault_kind TEXT NOT NULL DEFAULT '',
			artifacts JSONB NOT NULL DEFAULT '[]',
			duration_ms BIGINT NOT NULL,
			steps BIGINT NOT NULL,
			remote_addr TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Record inserts or replaces one execution. A missing ID or CreatedAt is
// filled in so callers can hand over entries straight from the wire loop.
func (s *Store) Record(ctx context.Context, e audit.Entry) error {
	if e.ID == "" {
		e.ID = replbox.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	artifacts := []byte("[]")
	if len(e.Artifacts) > 0 {
		artifacts, _ = json.Marshal(e.Artifacts)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO executions (id, session_id, code, response, fault_kind, artifacts, duration_ms, steps, remote_addr, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   session_id = EXCLUDED.session_id,
		   code = EXCLUDED.code,
		   response = EXCLUDED.response,
		   fault_kind = EXCLUDED.fault_kind,
		   artifacts = EXCLUDED.artifacts,
		   duration_ms = EXCLUDED.duration_ms,
		   steps = EXCLUDED.steps,
		   remote_addr = EXCLUDED.remote_addr,
		   created_at = EXCLUDED.created_at`,
		e.ID, e.SessionID, e.Code, e.Response, string(e.FaultKind), artifacts,
		e.Duration.Milliseconds(), int64(e.Steps), e.RemoteAddr, e.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("postgres: record execution: %w", err)
	}
	return nil
}

// Recent returns the most recent executions for a session, newest first.
// An empty sessionID matches executions from every session.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]audit.Entry, error) {
	query := `SELECT id, session_id, code, response, fault_kind, artifacts, duration_ms, steps, remote_addr, created_at
		 FROM executions`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`
		args = append(args, sessionID, limit)
	} else {
		query += ` ORDER BY created_at DESC, id DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent executions: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var kind string
		var artifacts []byte
		var durationMS, steps, created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Code, &e.Response, &kind, &artifacts, &durationMS, &steps, &e.RemoteAddr, &created); err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		e.FaultKind = replbox.FaultKind(kind)
		if len(artifacts) > 0 {
			_ = json.Unmarshal(artifacts, &e.Artifacts)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.Steps = uint64(steps)
		e.CreatedAt = time.Unix(created, 0)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate executions: %w", err)
	}
	return entries, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }
