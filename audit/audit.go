// Package audit records execution history.
//
// Every submission the server answers can be recorded: who ran what, the
// response text, the fault kind if any, and what it cost. Stores are
// pluggable; audit/sqlite keeps history in a local file and
// audit/postgres in a shared database.
package audit

import (
	"context"
	"time"

	"github.com/nevindra/replbox"
)

// Entry is one recorded submission.
type Entry struct {
	// ID is unique per entry; stores assign one when empty.
	ID        string
	SessionID string
	Code      string
	// Response is the wire text sent back to the caller.
	Response string
	// FaultKind is empty on success.
	FaultKind replbox.FaultKind
	Artifacts []string
	Duration  time.Duration
	Steps     uint64
	// RemoteAddr is the peer that submitted the code.
	RemoteAddr string
	// CreatedAt defaults to the record time when zero.
	CreatedAt time.Time
}

// Store persists execution history. Implementations must be safe for
// concurrent use.
type Store interface {
	// Init creates any required schema.
	Init(ctx context.Context) error
	// Record appends one entry.
	Record(ctx context.Context, e Entry) error
	// Recent returns up to limit entries for a session, newest first.
	// An empty sessionID matches all sessions.
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	Close() error
}

// Nop is a Store that discards everything. It keeps the recording path
// wired when no store is configured.
type Nop struct{}

func (Nop) Init(context.Context) error                           { return nil }
func (Nop) Record(context.Context, Entry) error                  { return nil }
func (Nop) Recent(context.Context, string, int) ([]Entry, error) { return nil, nil }
func (Nop) Close() error                                         { return nil }

var _ Store = Nop{}
