package cron

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/roelfdiedericks/clawcore/internal/fsutil"
	. "github.com/roelfdiedericks/clawcore/internal/logging"
)

const (
	// MaxSummaryChars is the maximum length for run summaries
	MaxSummaryChars = 2000

	// MaxHistoryBytes is the size at which a JSONL history file is pruned (2MB)
	MaxHistoryBytes = 2 * 1024 * 1024

	// MaxHistoryLines is the number of entries kept after pruning
	MaxHistoryLines = 2000
)

// History backend names
const (
	HistoryStoreJSONL  = "jsonl"
	HistoryStoreSQLite = "sqlite"
	HistoryStoreNone   = "none"
)

// History records job runs.
type History interface {
	LogRun(jobID string, entry RunLogEntry) error
	// GetRuns returns up to limit entries, most recent first. limit <= 0 means all.
	GetRuns(jobID string, limit int) ([]RunLogEntry, error)
	DeleteHistory(jobID string) error
	Close() error
}

// HistoryConfig selects a History backend.
type HistoryConfig struct {
	Store string `json:"store" yaml:"store" toml:"store" env:"STORE"` // "jsonl" (default), "sqlite" or "none"
	Path  string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty" env:"PATH"`
}

// NewHistory opens the configured backend. For jsonl Path is the runs
// directory; for sqlite it is the database file.
func NewHistory(cfg HistoryConfig) (History, error) {
	switch strings.ToLower(cfg.Store) {
	case "", HistoryStoreJSONL:
		if cfg.Path == "" {
			return nil, fmt.Errorf("cron: jsonl history needs a runs directory")
		}
		return NewJSONLHistory(cfg.Path), nil
	case HistoryStoreSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("cron: sqlite history needs a database path")
		}
		return NewSQLiteHistory(cfg.Path)
	case HistoryStoreNone:
		return nopHistory{}, nil
	default:
		return nil, fmt.Errorf("cron: unknown history store %q", cfg.Store)
	}
}

// nopHistory discards everything.
type nopHistory struct{}

func (nopHistory) LogRun(string, RunLogEntry) error           { return nil }
func (nopHistory) GetRuns(string, int) ([]RunLogEntry, error) { return nil, nil }
func (nopHistory) DeleteHistory(string) error                 { return nil }
func (nopHistory) Close() error                               { return nil }

// JSONLHistory keeps one append-only <jobID>.jsonl file per job.
type JSONLHistory struct {
	runsDir string
}

// NewJSONLHistory creates a history rooted at runsDir.
func NewJSONLHistory(runsDir string) *JSONLHistory {
	return &JSONLHistory{runsDir: runsDir}
}

// LogRun appends a run entry to the job's history file.
func (h *JSONLHistory) LogRun(jobID string, entry RunLogEntry) error {
	if err := os.MkdirAll(h.runsDir, 0750); err != nil {
		return fmt.Errorf("failed to create runs directory: %w", err)
	}

	entry.Summary = TruncateSummary(entry.Summary)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	f, err := os.OpenFile(h.historyPath(jobID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}

	if stat, err := f.Stat(); err == nil && stat.Size() > MaxHistoryBytes {
		L_debug("cron: history file exceeds size limit, pruning", "job", jobID, "size", stat.Size())
		h.pruneHistory(jobID)
	}
	return nil
}

// GetRuns returns recent runs for a job, most recent first.
func (h *JSONLHistory) GetRuns(jobID string, limit int) ([]RunLogEntry, error) {
	f, err := os.Open(h.historyPath(jobID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	var entries []RunLogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry RunLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue // skip malformed lines
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// pruneHistory keeps only the last MaxHistoryLines entries.
func (h *JSONLHistory) pruneHistory(jobID string) {
	path := h.historyPath(jobID)

	data, err := os.ReadFile(path)
	if err != nil {
		L_error("cron: failed to read history for pruning", "job", jobID, "error", err)
		return
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) <= MaxHistoryLines {
		return
	}
	lines = lines[len(lines)-MaxHistoryLines:]

	if err := fsutil.AtomicWrite(path, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		L_error("cron: failed to write pruned history", "job", jobID, "error", err)
		return
	}
	L_debug("cron: pruned history", "job", jobID, "keptEntries", len(lines))
}

// DeleteHistory removes the history file for a job.
func (h *JSONLHistory) DeleteHistory(jobID string) error {
	err := os.Remove(h.historyPath(jobID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	return nil
}

// Close is a no-op; files are opened per call.
func (h *JSONLHistory) Close() error { return nil }

func (h *JSONLHistory) historyPath(jobID string) string {
	return filepath.Join(h.runsDir, jobID+".jsonl")
}

// TruncateSummary truncates text to MaxSummaryChars bytes, cutting on a rune
// boundary.
func TruncateSummary(text string) string {
	if len(text) <= MaxSummaryChars {
		return text
	}
	cut := MaxSummaryChars - 3
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

// CreateRunEntry creates a RunLogEntry from execution results.
func CreateRunEntry(startTime time.Time, duration time.Duration, status, summary, errorMsg string) RunLogEntry {
	return RunLogEntry{
		Ts:         startTime.UnixMilli(),
		Status:     status,
		DurationMs: duration.Milliseconds(),
		Summary:    TruncateSummary(summary),
		Error:      errorMsg,
	}
}
