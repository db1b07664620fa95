// Package paths provides centralized path resolution for clawcore.
// This package has NO internal imports (only stdlib) to avoid import cycles.
// All functions return errors to allow callers to log appropriately.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// configNames are the accepted config file names, in lookup order.
var configNames = []string{"clawcore.json", "clawcore.toml", "clawcore.yaml", "clawcore.yml"}

// BaseDir returns the clawcore base directory (~/.clawcore).
// CLAWCORE_HOME overrides it.
func BaseDir() (string, error) {
	if dir := os.Getenv("CLAWCORE_HOME"); dir != "" {
		return ExpandTilde(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".clawcore"), nil
}

// DataPath returns a path within the data directory (~/.clawcore/<subpath>).
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active config file path.
// Priority: ./clawcore.{json,toml,yaml,yml} > ~/.clawcore/clawcore.{...}
// Returns ("", nil) if no config exists - this is a valid state, not an error.
func ConfigPath() (string, error) {
	for _, name := range configNames {
		if _, err := os.Stat(name); err == nil {
			absPath, err := filepath.Abs(name)
			if err != nil {
				return "", fmt.Errorf("failed to get absolute path: %w", err)
			}
			return absPath, nil
		}
	}

	for _, name := range configNames {
		globalPath, err := DataPath(name)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(globalPath); err == nil {
			return globalPath, nil
		}
	}

	return "", nil
}

// DefaultConfigPath returns the default location for new configs.
func DefaultConfigPath() (string, error) {
	return DataPath("clawcore.json")
}

// CronJobsPath returns the default cron job store (~/.clawcore/cron/jobs.json).
func CronJobsPath() (string, error) {
	return DataPath(filepath.Join("cron", "jobs.json"))
}

// CronRunsDir returns the default run history directory (~/.clawcore/cron/runs).
func CronRunsDir() (string, error) {
	return DataPath(filepath.Join("cron", "runs"))
}

// DefaultWorkspace returns the default workspace path (~/.clawcore/workspace).
func DefaultWorkspace() (string, error) {
	return DataPath("workspace")
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// ExpandTilde expands a path that starts with ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
