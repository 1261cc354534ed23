// Command replboxd runs the stateful code execution service.
//
// It accepts pipe-delimited submissions over TCP, evaluates each in the
// interpreter bound to its session, and replies with sentinel-terminated
// responses. Sessions keep their variables, functions, and workspace files
// between submissions until the daemon restarts or the session expires.
//
// Configuration comes from a TOML file plus REPLBOX_* environment
// overrides; see internal/config for the full key list.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/replbox"
	"github.com/nevindra/replbox/audit"
	auditpg "github.com/nevindra/replbox/audit/postgres"
	auditsqlite "github.com/nevindra/replbox/audit/sqlite"
	"github.com/nevindra/replbox/hardening"
	"github.com/nevindra/replbox/internal/config"
	"github.com/nevindra/replbox/interp"
	"github.com/nevindra/replbox/observer"
	"github.com/nevindra/replbox/server"
	"github.com/nevindra/replbox/session"
	"github.com/nevindra/replbox/workspace"
)

func main() {
	configPath := flag.String("config", os.Getenv("REPLBOX_CONFIG"), "path to TOML config file")
	flag.Parse()

	// 1. Load config + logger
	cfg := config.Load(*configPath)
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	// Backstop against interpreter heap abuse: the watchdog kills runaway
	// submissions, but the Go runtime itself must not OOM before it fires.
	if cfg.Execute.MemLimitMB > 0 {
		debug.SetMemoryLimit(cfg.Execute.MemLimitMB << 20)
	}

	// 2. Workspace + sessions
	workspaces, err := workspace.NewManager(cfg.Workspace.Root, workspace.WithLogger(logger))
	if err != nil {
		logger.Error("replboxd: workspace init failed", "root", cfg.Workspace.Root, "error", err)
		os.Exit(1)
	}

	sessions := session.NewRegistry(
		session.WithLogger(logger),
		session.WithTTL(time.Duration(cfg.Session.TTLMinutes)*time.Minute),
	)

	// 3. Interpreter
	var runner replbox.Runner = interp.New(sessions, workspaces,
		interp.WithLogger(logger),
		interp.WithTimeout(time.Duration(cfg.Execute.TimeoutSeconds)*time.Second),
		interp.WithStepBudget(uint64(cfg.Execute.StepBudget)),
		interp.WithHeapBudget(uint64(cfg.Execute.HeapBudgetMB)<<20),
		interp.WithOutputCap(cfg.Execute.OutputCapBytes),
		interp.WithRecursion(cfg.Execute.Recursion),
	)

	// 4. Observability
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(context.Background())
		if err != nil {
			logger.Error("replboxd: observer init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Warn("replboxd: observer shutdown failed", "error", err)
			}
		}()
		runner = observer.WrapRunner(runner, inst)
	}

	// 5. Audit store
	var store audit.Store
	switch cfg.Audit.Driver {
	case "sqlite":
		s := auditsqlite.New(cfg.Audit.Path, auditsqlite.WithLogger(logger))
		if err := s.Init(context.Background()); err != nil {
			logger.Error("replboxd: audit init failed", "path", cfg.Audit.Path, "error", err)
			os.Exit(1)
		}
		store = s
	case "postgres":
		pool, err := pgxpool.New(context.Background(), cfg.Audit.DSN)
		if err != nil {
			logger.Error("replboxd: audit pool failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		s := auditpg.New(pool)
		if err := s.Init(context.Background()); err != nil {
			logger.Error("replboxd: audit init failed", "error", err)
			os.Exit(1)
		}
		store = s
	case "":
		// Audit disabled.
	default:
		logger.Error("replboxd: unknown audit driver", "driver", cfg.Audit.Driver)
		os.Exit(1)
	}

	// 6. Source guard
	var guard replbox.Checker
	if cfg.Guard.Enabled {
		opts := []replbox.GuardOption{replbox.GuardLogger(logger)}
		if len(cfg.Guard.Phrases) > 0 {
			opts = append(opts, replbox.GuardPhrases(cfg.Guard.Phrases...))
		}
		for _, p := range cfg.Guard.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				logger.Warn("replboxd: skipping invalid guard pattern", "pattern", p, "error", err)
				continue
			}
			opts = append(opts, replbox.GuardRegex(re))
		}
		guard = replbox.NewSourceGuard(opts...)
	}

	// 7. Filesystem hardening. Applied after the workspace root and audit
	// database exist; the restriction is irreversible for the process.
	if cfg.Hardening.Enabled {
		rw := []string{cfg.Workspace.Root}
		if cfg.Audit.Driver == "sqlite" {
			// Journal sidecars land next to the database file, so the
			// whole directory needs write access.
			rw = append(rw, filepath.Dir(cfg.Audit.Path))
		}
		rw = append(rw, cfg.Hardening.ReadWritePaths...)

		err := hardening.Apply(hardening.Config{
			ReadWritePaths: rw,
			ReadOnlyPaths:  cfg.Hardening.ReadOnlyPaths,
			BestEffort:     cfg.Hardening.BestEffort,
			Logger:         logger,
		})
		if err != nil {
			logger.Error("replboxd: hardening failed", "error", err)
			os.Exit(1)
		}
	}

	// 8. Serve until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srvOpts := []server.Option{
		server.WithAddr(cfg.Server.Addr),
		server.WithLogger(logger),
		server.WithMaxConns(cfg.Server.MaxConns),
		server.WithMaxConcurrent(cfg.Server.MaxConcurrent),
		server.WithMaxFrame(cfg.Server.MaxFrameBytes),
	}
	if guard != nil {
		srvOpts = append(srvOpts, server.WithGuard(guard))
	}
	if store != nil {
		srvOpts = append(srvOpts, server.WithAudit(store))
	}

	srv := server.New(runner, srvOpts...)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("replboxd: server failed", "error", err)
		os.Exit(1)
	}

	sessions.Close()
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Warn("replboxd: audit close failed", "error", err)
		}
	}
}

// newLogger builds the process logger from the log section of the config.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
