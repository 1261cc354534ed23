// Package hardening applies optional OS-level containment to the
// service process.
//
// On Linux with Landlock support (kernel 5.13+), Apply restricts the
// whole process to the filesystem surface it actually needs: the
// workspace root and audit database read-write, anything else listed
// read-only. On non-Linux systems, or when Landlock is unavailable and
// BestEffort is set, Apply is a no-op.
package hardening

import (
	"context"
	"log/slog"
)

// Config holds the filesystem surface the restricted process keeps.
// Everything not listed becomes inaccessible once Apply succeeds.
type Config struct {
	ReadWritePaths []string
	ReadOnlyPaths  []string

	// BestEffort downgrades to the closest enforceable restriction on
	// older kernels instead of failing.
	BestEffort bool

	// Logger receives hardening events. If nil, no logs are emitted.
	Logger *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return nopLogger
	}
	return c.Logger
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
