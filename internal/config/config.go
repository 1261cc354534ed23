package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Execute   ExecuteConfig   `toml:"execute"`
	Workspace WorkspaceConfig `toml:"workspace"`
	Session   SessionConfig   `toml:"session"`
	Audit     AuditConfig     `toml:"audit"`
	Guard     GuardConfig     `toml:"guard"`
	Hardening HardeningConfig `toml:"hardening"`
	Observer  ObserverConfig  `toml:"observer"`
	Log       LogConfig       `toml:"log"`
}

type ServerConfig struct {
	Addr          string `toml:"addr"`
	MaxConns      int    `toml:"max_conns"`
	MaxConcurrent int    `toml:"max_concurrent"`
	MaxFrameBytes int    `toml:"max_frame_bytes"`
}

type ExecuteConfig struct {
	TimeoutSeconds int   `toml:"timeout_seconds"`
	StepBudget     int64 `toml:"step_budget"`
	HeapBudgetMB   int64 `toml:"heap_budget_mb"`
	MemLimitMB     int64 `toml:"mem_limit_mb"`
	OutputCapBytes int   `toml:"output_cap_bytes"`
	Recursion      bool  `toml:"recursion"`
}

type WorkspaceConfig struct {
	Root string `toml:"root"`
}

type SessionConfig struct {
	TTLMinutes int `toml:"ttl_minutes"`
}

type AuditConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

type GuardConfig struct {
	Enabled  bool     `toml:"enabled"`
	Phrases  []string `toml:"phrases"`
	Patterns []string `toml:"patterns"`
}

type HardeningConfig struct {
	Enabled        bool     `toml:"enabled"`
	BestEffort     bool     `toml:"best_effort"`
	ReadOnlyPaths  []string `toml:"read_only_paths"`
	ReadWritePaths []string `toml:"read_write_paths"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Server:    ServerConfig{Addr: ":9999", MaxConns: 64, MaxConcurrent: 4, MaxFrameBytes: 4 << 20},
		Execute:   ExecuteConfig{TimeoutSeconds: 60, StepBudget: 1 << 31, HeapBudgetMB: 4096, MemLimitMB: 4096, OutputCapBytes: 1 << 20},
		Workspace: WorkspaceConfig{Root: filepath.Join(home, "replbox-workspace")},
		Audit:     AuditConfig{Path: "replbox-audit.db"},
		Hardening: HardeningConfig{BestEffort: true},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "replbox.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("REPLBOX_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("REPLBOX_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.MaxConcurrent = n
		}
	}
	if v := os.Getenv("REPLBOX_WORKSPACE"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("REPLBOX_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Execute.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("REPLBOX_MEM_LIMIT_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Execute.MemLimitMB = n
		}
	}
	if v := os.Getenv("REPLBOX_SESSION_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Session.TTLMinutes = n
		}
	}
	if v := os.Getenv("REPLBOX_AUDIT_DRIVER"); v != "" {
		cfg.Audit.Driver = v
	}
	if v := os.Getenv("REPLBOX_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("REPLBOX_AUDIT_DSN"); v != "" {
		cfg.Audit.DSN = v
	}
	if v := os.Getenv("REPLBOX_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("REPLBOX_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("REPLBOX_GUARD_ENABLED"); v == "true" || v == "1" {
		cfg.Guard.Enabled = true
	}
	if v := os.Getenv("REPLBOX_HARDENING_ENABLED"); v == "true" || v == "1" {
		cfg.Hardening.Enabled = true
	}
	if v := os.Getenv("REPLBOX_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
