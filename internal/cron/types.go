// Package cron provides persistent scheduled jobs for clawcore.
package cron

import (
	"encoding/json"
	"errors"
	"maps"
	"time"
)

var (
	// ErrInvalidExpression is returned for schedule text that cannot be evaluated.
	ErrInvalidExpression = errors.New("invalid schedule expression")

	// ErrJobNotFound is returned for operations on an unknown job id.
	ErrJobNotFound = errors.New("cron job not found")

	// ErrNotRunning is returned by RunNow before Start.
	ErrNotRunning = errors.New("cron service not running")
)

// Schedule kind constants, as stored on disk.
const (
	ScheduleKindAt    = "at"
	ScheduleKindEvery = "every"
	ScheduleKindCron  = "cron"
)

// Job status constants
const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusPanic = "panic"
	// StatusSkipped marks a due run with no handler to call.
	StatusSkipped = "skipped"
)

// Schedule is one of Every, At or Expr.
type Schedule interface {
	Kind() string
	String() string
	isSchedule()
}

// Every runs a job repeatedly, Seconds apart.
type Every struct {
	Seconds int
}

// At runs a job once at an ISO-8601 timestamp.
type At struct {
	RunAt string
}

// Expr runs a job on a cron expression.
type Expr struct {
	Expr string
}

func (Every) Kind() string { return ScheduleKindEvery }
func (At) Kind() string    { return ScheduleKindAt }
func (Expr) Kind() string  { return ScheduleKindCron }

func (s Every) String() string { return "every " + (time.Duration(max(s.Seconds, 1)) * time.Second).String() }
func (s At) String() string    { return "at " + s.RunAt }
func (s Expr) String() string  { return "cron '" + s.Expr + "'" }

func (Every) isSchedule() {}
func (At) isSchedule()    {}
func (Expr) isSchedule()  {}

// Payload is what a job carries to its handler.
type Payload struct {
	Prompt   string         `json:"prompt"`
	Channel  string         `json:"channel"`
	Target   string         `json:"target"`
	Metadata map[string]any `json:"metadata"`
}

// CronJob is a scheduled prompt tied to a session.
type CronJob struct {
	ID        string
	Name      string
	SessionID string
	Schedule  Schedule
	Payload   Payload
	Enabled   bool
	NextRun   *time.Time
	LastRun   *time.Time
}

// IsOneShot returns true if this is a one-shot job (at schedule).
func (j *CronJob) IsOneShot() bool {
	_, ok := j.Schedule.(At)
	return ok
}

// Clone returns an independent copy.
func (j *CronJob) Clone() CronJob {
	c := *j
	c.Payload.Metadata = maps.Clone(j.Payload.Metadata)
	if j.NextRun != nil {
		t := *j.NextRun
		c.NextRun = &t
	}
	if j.LastRun != nil {
		t := *j.LastRun
		c.LastRun = &t
	}
	return c
}

// MarshalJSON encodes the job in the same record form the store writes.
func (j CronJob) MarshalJSON() ([]byte, error) {
	return json.Marshal(toRecord(&j))
}

// RunLogEntry represents a single run in the history log.
type RunLogEntry struct {
	Ts         int64  `json:"ts"`     // Unix timestamp (ms) when run started
	Status     string `json:"status"` // "ok", "error" or "panic"
	DurationMs int64  `json:"durationMs,omitempty"`
	Summary    string `json:"summary,omitempty"` // Handler output, truncated
	Error      string `json:"error,omitempty"`
}

// jobRecord is the on-disk form of a CronJob.
type jobRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	SessionID string         `json:"session_id"`
	Schedule  scheduleRecord `json:"schedule"`
	Payload   Payload        `json:"payload"`
	Enabled   bool           `json:"enabled"`
	NextRun   *string        `json:"next_run_iso"`
	LastRun   *string        `json:"last_run_iso"`
}

type scheduleRecord struct {
	Kind         string  `json:"kind"`
	EverySeconds *int    `json:"every_seconds"`
	CronExpr     *string `json:"cron_expr"`
	RunAtISO     *string `json:"run_at_iso"`
}

func toRecord(j *CronJob) jobRecord {
	rec := jobRecord{
		ID:        j.ID,
		Name:      j.Name,
		SessionID: j.SessionID,
		Payload:   j.Payload,
		Enabled:   j.Enabled,
		NextRun:   formatISO(j.NextRun),
		LastRun:   formatISO(j.LastRun),
	}
	switch s := j.Schedule.(type) {
	case Every:
		n := s.Seconds
		rec.Schedule = scheduleRecord{Kind: ScheduleKindEvery, EverySeconds: &n}
	case At:
		v := s.RunAt
		rec.Schedule = scheduleRecord{Kind: ScheduleKindAt, RunAtISO: &v}
	case Expr:
		v := s.Expr
		rec.Schedule = scheduleRecord{Kind: ScheduleKindCron, CronExpr: &v}
	}
	return rec
}

// fromRecord validates rec; records that cannot form a job return an error.
func fromRecord(rec jobRecord) (*CronJob, error) {
	if rec.ID == "" {
		return nil, errors.New("missing id")
	}
	job := &CronJob{
		ID:        rec.ID,
		Name:      rec.Name,
		SessionID: rec.SessionID,
		Payload:   rec.Payload,
		Enabled:   rec.Enabled,
		NextRun:   parseISOPtr(rec.NextRun),
		LastRun:   parseISOPtr(rec.LastRun),
	}
	switch rec.Schedule.Kind {
	case ScheduleKindEvery:
		if rec.Schedule.EverySeconds == nil {
			return nil, errors.New("every schedule without every_seconds")
		}
		job.Schedule = Every{Seconds: *rec.Schedule.EverySeconds}
	case ScheduleKindAt:
		if rec.Schedule.RunAtISO == nil {
			return nil, errors.New("at schedule without run_at_iso")
		}
		job.Schedule = At{RunAt: *rec.Schedule.RunAtISO}
	case ScheduleKindCron:
		if rec.Schedule.CronExpr == nil {
			return nil, errors.New("cron schedule without cron_expr")
		}
		job.Schedule = Expr{Expr: *rec.Schedule.CronExpr}
	default:
		return nil, errors.New("unknown schedule kind " + rec.Schedule.Kind)
	}
	return job, nil
}

func formatISO(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

// parseISOPtr drops unparsable timestamps; the scheduler recomputes them.
func parseISOPtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, ok := parseISO(*s)
	if !ok {
		return nil
	}
	return &t
}
