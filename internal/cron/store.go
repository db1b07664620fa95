package cron

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/roelfdiedericks/clawcore/internal/fsutil"
	. "github.com/roelfdiedericks/clawcore/internal/logging"
)

// Store persists jobs as a JSON array. Every save overwrites the whole file.
type Store struct {
	path string
}

// NewStore creates a store for the jobs file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads all jobs. A missing or malformed file yields no jobs, and
// malformed records are skipped, so Load only fails on I/O errors.
func (s *Store) Load() ([]*CronJob, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			L_debug("cron: jobs file not found, starting empty", "path", s.path)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read jobs file: %w", err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		L_warn("cron: jobs file is malformed, starting empty", "path", s.path, "error", err)
		return nil, nil
	}

	jobs := make([]*CronJob, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for i, msg := range raw {
		var rec jobRecord
		if err := json.Unmarshal(msg, &rec); err != nil {
			L_warn("cron: skipping malformed job record", "index", i, "error", err)
			continue
		}
		job, err := fromRecord(rec)
		if err != nil {
			L_warn("cron: skipping invalid job record", "index", i, "id", rec.ID, "error", err)
			continue
		}
		if seen[job.ID] {
			L_warn("cron: skipping duplicate job id", "id", job.ID)
			continue
		}
		seen[job.ID] = true
		jobs = append(jobs, job)
	}

	L_info("cron: loaded jobs", "count", len(jobs), "path", s.path)
	return jobs, nil
}

// Save writes jobs atomically, ordered by name then id.
func (s *Store) Save(jobs []*CronJob) error {
	sorted := make([]*CronJob, len(jobs))
	copy(sorted, jobs)
	sortJobs(sorted)

	records := make([]jobRecord, 0, len(sorted))
	for _, job := range sorted {
		records = append(records, toRecord(job))
	}

	if err := fsutil.AtomicWriteJSON(s.path, records, 0600); err != nil {
		return fmt.Errorf("failed to save jobs: %w", err)
	}
	L_debug("cron: saved jobs", "count", len(records), "path", s.path)
	return nil
}

func sortJobs(jobs []*CronJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Name != jobs[j].Name {
			return jobs[i].Name < jobs[j].Name
		}
		return jobs[i].ID < jobs[j].ID
	})
}
