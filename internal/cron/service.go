package cron

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/roelfdiedericks/clawcore/internal/logging"
)

// JobFunc executes a due job. The returned string is recorded as the run summary.
type JobFunc func(ctx context.Context, job CronJob) (string, error)

// Observer is notified after every job run.
type Observer interface {
	CronJobRun(status string, elapsed time.Duration)
}

// Status summarizes the service.
type Status struct {
	Running     bool       `json:"running"`
	TotalJobs   int        `json:"totalJobs"`
	EnabledJobs int        `json:"enabledJobs"`
	NextWake    *time.Time `json:"nextWake,omitempty"`
	JobsPath    string     `json:"jobsPath"`
}

// Service manages cron job scheduling and execution.
type Service struct {
	store    *Store
	history  History
	observer Observer
	poll     time.Duration
	now      func() time.Time

	mu      sync.Mutex
	jobs    map[string]*CronJob
	dormant map[string]bool // jobs already warned about an unusable schedule
	handler JobFunc
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithPollInterval sets how often the loop checks for due jobs.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithHistory records every run to h.
func WithHistory(h History) Option {
	return func(s *Service) {
		if h != nil {
			s.history = h
		}
	}
}

// WithObserver reports every run to o.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService loads the jobs file at storePath once and returns a stopped service.
func NewService(storePath string, opts ...Option) (*Service, error) {
	s := &Service{
		store:   NewStore(storePath),
		history: nopHistory{},
		poll:    DefaultPollInterval,
		now:     time.Now,
		jobs:    make(map[string]*CronJob),
		dormant: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	jobs, err := s.store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load cron jobs: %w", err)
	}
	for _, job := range jobs {
		s.jobs[job.ID] = job
	}
	return s, nil
}

// Start launches the poll loop with fn as the job handler. It is a no-op
// when already running.
func (s *Service) Start(ctx context.Context, fn JobFunc) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		L_debug("cron: already running")
		return
	}
	s.running = true
	s.handler = fn
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	enabled := s.enabledCountLocked()
	s.mu.Unlock()

	L_info("cron: service started", "jobs", enabled, "pollInterval", s.poll)
	go s.runLoop(ctx, stopCh, doneCh)
}

// Stop signals the loop, cancels a job in flight and waits for the loop to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
	L_info("cron: service stopped")
}

// IsRunning returns true if the service is running.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) runLoop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer func() {
		s.mu.Lock()
		if s.doneCh == doneCh {
			s.running = false
		}
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		s.runPass(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runPass schedules unscheduled jobs, runs every due job and persists once.
func (s *Service) runPass(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	handler := s.handler
	changed := false
	var due []CronJob
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		if job.NextRun == nil {
			if s.scheduleLocked(job, now) {
				changed = true
			}
		}
		if job.NextRun != nil && !job.NextRun.After(now) {
			due = append(due, job.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRun.Equal(*due[j].NextRun) {
			return due[i].NextRun.Before(*due[j].NextRun)
		}
		return due[i].ID < due[j].ID
	})

	for _, job := range due {
		if ctx.Err() != nil {
			break
		}
		if s.execute(ctx, handler, job).changed {
			changed = true
		}
	}

	if changed {
		s.mu.Lock()
		s.persistLocked()
		s.mu.Unlock()
	}
}

// scheduleLocked computes NextRun for a job that has none. A schedule that
// cannot be evaluated leaves the job dormant and is reported once.
func (s *Service) scheduleLocked(job *CronJob, now time.Time) bool {
	next, err := NextRun(job.Schedule, now)
	if err != nil {
		if !s.dormant[job.ID] {
			L_warn("cron: job schedule unusable, leaving dormant",
				"job", job.Name, "id", job.ID, "schedule", job.Schedule.String(), "error", err)
			s.dormant[job.ID] = true
		}
		return false
	}
	if next == nil {
		return false
	}
	job.NextRun = next
	L_debug("cron: job scheduled", "job", job.Name, "schedule", job.Schedule.String(),
		"nextRun", next.Format(time.RFC3339), "session", job.SessionID)
	return true
}

// runResult is the outcome of one execute call.
type runResult struct {
	summary string
	err     error
	changed bool // stored job was updated
}

// execute runs one job without holding the lock, records the run and
// updates the stored job.
func (s *Service) execute(ctx context.Context, handler JobFunc, job CronJob) runResult {
	start := s.now()

	var (
		result   string
		panicked bool
		err      error
	)
	if handler != nil {
		L_info("cron: running job", "job", job.Name, "id", job.ID, "session", job.SessionID)
		result, panicked, err = invoke(ctx, handler, job)
	}
	elapsed := s.now().Sub(start)
	res := runResult{summary: result, err: err}

	status := StatusOK
	errMsg := ""
	switch {
	case handler == nil:
		status = StatusSkipped
		L_debug("cron: no handler, run skipped", "job", job.Name, "id", job.ID)
	case panicked:
		status = StatusPanic
		errMsg = err.Error()
		L_error("cron: job panicked", "job", job.Name, "id", job.ID, "session", job.SessionID, "panic", errMsg)
	case err != nil:
		status = StatusError
		errMsg = err.Error()
		L_error("cron: job failed", "job", job.Name, "id", job.ID, "session", job.SessionID, "error", err)
	default:
		L_info("cron: job completed", "job", job.Name, "id", job.ID, "elapsed", elapsed)
	}

	if err := s.history.LogRun(job.ID, CreateRunEntry(start, elapsed, status, result, errMsg)); err != nil {
		L_warn("cron: failed to record run", "job", job.Name, "id", job.ID, "error", err)
	}
	if s.observer != nil {
		s.observer.CronJobRun(status, elapsed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[job.ID]
	if !ok {
		// removed while running
		return res
	}
	res.changed = true
	lastRun := start
	stored.LastRun = &lastRun
	if stored.IsOneShot() {
		stored.Enabled = false
		stored.NextRun = nil
		return res
	}
	stored.NextRun = nil
	if stored.Enabled {
		s.scheduleLocked(stored, s.now())
	}
	return res
}

// invoke calls handler, converting a panic into an error.
func invoke(ctx context.Context, handler JobFunc, job CronJob) (result string, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
			panicked = true
		}
	}()
	result, err = handler(ctx, job)
	return result, false, err
}

// AddJob schedules prompt for sessionID and returns the new job id.
// Invalid cron expressions are rejected; an unparsable "at" time is accepted
// and leaves the job dormant.
func (s *Service) AddJob(sessionID, expression, prompt, name string) (string, error) {
	return s.AddJobWithPayload(sessionID, expression, name, Payload{Prompt: prompt})
}

// AddJobWithPayload is AddJob with delivery hints.
func (s *Service) AddJobWithPayload(sessionID, expression, name string, payload Payload) (string, error) {
	now := s.now()
	sched, err := ParseExpression(expression, now)
	if err != nil {
		return "", err
	}
	next, err := NextRun(sched, now)
	if err != nil {
		return "", err
	}

	if name == "" {
		name = strings.TrimSpace(expression)
	}
	job := &CronJob{
		ID:        uuid.NewString(),
		Name:      name,
		SessionID: sessionID,
		Schedule:  sched,
		Payload:   payload,
		Enabled:   true,
		NextRun:   next,
	}
	job.Payload.Metadata = maps.Clone(payload.Metadata)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = job
	if err := s.saveLocked(); err != nil {
		delete(s.jobs, job.ID)
		return "", err
	}

	attrs := []any{"job", job.Name, "id", job.ID, "schedule", sched.String(), "session", sessionID}
	if next != nil {
		attrs = append(attrs, "nextRun", next.Format(time.RFC3339))
	} else {
		attrs = append(attrs, "nextRun", "dormant")
	}
	L_info("cron: job added", attrs...)
	return job.ID, nil
}

// RemoveJob deletes a job and its run history. It reports whether the job existed.
func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.jobs, id)
	delete(s.dormant, id)
	s.persistLocked()
	s.mu.Unlock()

	if err := s.history.DeleteHistory(id); err != nil {
		L_warn("cron: failed to delete run history", "id", id, "error", err)
	}
	L_info("cron: job removed", "job", job.Name, "id", id)
	return true
}

// ListJobs returns copies of the session's jobs sorted by name then id.
// An empty sessionID lists every job.
func (s *Service) ListJobs(sessionID string) []CronJob {
	s.mu.Lock()
	matched := make([]*CronJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if sessionID == "" || job.SessionID == sessionID {
			matched = append(matched, job)
		}
	}
	sortJobs(matched)
	out := make([]CronJob, 0, len(matched))
	for _, job := range matched {
		out = append(out, job.Clone())
	}
	s.mu.Unlock()
	return out
}

// GetJob returns a copy of the job with id.
func (s *Service) GetJob(id string) (CronJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return CronJob{}, false
	}
	return job.Clone(), true
}

// SetEnabled enables or disables a job. Enabling recomputes its next run.
func (s *Service) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Enabled == enabled {
		return nil
	}
	job.Enabled = enabled
	job.NextRun = nil
	if enabled {
		delete(s.dormant, id)
		s.scheduleLocked(job, s.now())
	}
	L_info("cron: job toggled", "job", job.Name, "id", id, "enabled", enabled)
	return s.saveLocked()
}

// RunNow executes a job immediately with the running handler, outside its schedule.
func (s *Service) RunNow(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	handler := s.handler
	running := s.running
	job, ok := s.jobs[id]
	var snapshot CronJob
	if ok {
		snapshot = job.Clone()
	}
	s.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !running || handler == nil {
		return "", ErrNotRunning
	}

	res := s.execute(ctx, handler, snapshot)
	if res.changed {
		s.mu.Lock()
		s.persistLocked()
		s.mu.Unlock()
	}
	return res.summary, res.err
}

// GetRuns returns the recorded runs of a job, most recent first.
func (s *Service) GetRuns(id string, limit int) ([]RunLogEntry, error) {
	return s.history.GetRuns(id, limit)
}

// Status returns a summary of the cron service status.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:     s.running,
		TotalJobs:   len(s.jobs),
		EnabledJobs: s.enabledCountLocked(),
		JobsPath:    s.store.Path(),
	}
	for _, job := range s.jobs {
		if job.Enabled && job.NextRun != nil && (st.NextWake == nil || job.NextRun.Before(*st.NextWake)) {
			t := *job.NextRun
			st.NextWake = &t
		}
	}
	return st
}

// Close releases the run history.
func (s *Service) Close() error {
	return s.history.Close()
}

func (s *Service) enabledCountLocked() int {
	n := 0
	for _, job := range s.jobs {
		if job.Enabled {
			n++
		}
	}
	return n
}

func (s *Service) saveLocked() error {
	jobs := make([]*CronJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	return s.store.Save(jobs)
}

// persistLocked saves and logs failures; the in-memory state stays authoritative.
func (s *Service) persistLocked() {
	if err := s.saveLocked(); err != nil {
		L_error("cron: failed to persist jobs", "path", s.store.Path(), "error", err)
	}
}
