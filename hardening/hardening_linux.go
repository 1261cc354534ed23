//go:build linux

package hardening

import (
	"fmt"
	"os"
	"path/filepath"

	landlock "github.com/landlock-lsm/go-landlock/landlock"
)

// Apply restricts the current process's filesystem access to the
// configured paths using Landlock. Configured paths that do not exist
// are skipped. The restriction is irreversible for the process
// lifetime, so call it after all other startup filesystem work.
func Apply(cfg Config) error {
	logger := cfg.logger()

	rules := make([]landlock.Rule, 0, len(cfg.ReadOnlyPaths)+len(cfg.ReadWritePaths))
	ro, rw := 0, 0
	for _, path := range cfg.ReadOnlyPaths {
		rule, ok := pathRule(path, false)
		if !ok {
			logger.Debug("hardening: skipping missing path", "path", path)
			continue
		}
		rules = append(rules, rule)
		ro++
	}
	for _, path := range cfg.ReadWritePaths {
		rule, ok := pathRule(path, true)
		if !ok {
			logger.Debug("hardening: skipping missing path", "path", path)
			continue
		}
		rules = append(rules, rule)
		rw++
	}

	var err error
	if cfg.BestEffort {
		err = landlock.V6.BestEffort().RestrictPaths(rules...)
	} else {
		err = landlock.V6.RestrictPaths(rules...)
	}
	if err != nil {
		return fmt.Errorf("landlock restriction failed: %w", err)
	}

	logger.Info("hardening: landlock applied", "read_only", ro, "read_write", rw)
	return nil
}

// pathRule returns the Landlock rule for path. Landlock rejects
// directory access rights on regular files, so files get file rules.
func pathRule(path string, write bool) (landlock.Rule, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, false
	}
	switch {
	case info.IsDir() && write:
		return landlock.RWDirs(abs), true
	case info.IsDir():
		return landlock.RODirs(abs), true
	case write:
		return landlock.RWFiles(abs), true
	default:
		return landlock.ROFiles(abs), true
	}
}
