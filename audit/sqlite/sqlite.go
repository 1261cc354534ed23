// Package sqlite implements audit.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/replbox"
	"github.com/nevindra/replbox/audit"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements audit.Store backed by a local SQLite file.
// Artifact lists are stored as JSON text.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ audit.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			code TEXT NOT NULL,
			response TEXT NOT NULL,
			fault_kind TEXT NOT NULL DEFAULT '',
			artifacts TEXT NOT NULL DEFAULT '[]',
			duration_ms INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			remote_addr TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Best-effort indexes; SQLite ignores them if they already exist.
	_, _ = s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id, created_at)`)
	_, _ = s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Record persists one execution. A missing ID or CreatedAt is filled in
// so callers can hand over entries straight from the wire loop.
func (s *Store) Record(ctx context.Context, e audit.Entry) error {
	start := time.Now()
	if e.ID == "" {
		e.ID = replbox.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.logger.Debug("sqlite: record execution", "id", e.ID, "session_id", e.SessionID)

	artifacts := "[]"
	if len(e.Artifacts) > 0 {
		data, _ := json.Marshal(e.Artifacts)
		artifacts = string(data)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO executions
		 (id, session_id, code, response, fault_kind, artifacts, duration_ms, steps, remote_addr, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Code, e.Response, string(e.FaultKind), artifacts,
		e.Duration.Milliseconds(), int64(e.Steps), e.RemoteAddr, e.CreatedAt.Unix(),
	)
	if err != nil {
		s.logger.Error("sqlite: record execution failed", "id", e.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("record execution: %w", err)
	}
	s.logger.Debug("sqlite: record execution ok", "id", e.ID, "duration", time.Since(start))
	return nil
}

// Recent returns the most recent executions for a session, newest first.
// An empty sessionID matches executions from every session.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]audit.Entry, error) {
	start := time.Now()
	s.logger.Debug("sqlite: recent executions", "session_id", sessionID, "limit", limit)

	query := `SELECT id, session_id, code, response, fault_kind, artifacts, duration_ms, steps, remote_addr, created_at
		 FROM executions`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: recent executions failed", "session_id", sessionID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("recent executions: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var kind string
		var artifacts string
		var durationMS, steps, created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Code, &e.Response, &kind, &artifacts, &durationMS, &steps, &e.RemoteAddr, &created); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.FaultKind = replbox.FaultKind(kind)
		if artifacts != "" && artifacts != "[]" {
			_ = json.Unmarshal([]byte(artifacts), &e.Artifacts)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.Steps = uint64(steps)
		e.CreatedAt = time.Unix(created, 0)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}

	s.logger.Debug("sqlite: recent executions ok", "session_id", sessionID, "count", len(entries), "duration", time.Since(start))
	return entries, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}
