// Package heartbeat runs a fixed-interval background tick, typically an agent
// turn that checks whether anything needs attention.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/roelfdiedericks/clawcore/internal/logging"
)

// MinIntervalUnits is the smallest accepted interval, in time units.
const MinIntervalUnits = 5

// DefaultIntervalUnits is the configured interval when none is given.
const DefaultIntervalUnits = 30 * 60

// Tick outcomes reported to the Observer.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomePanic   = "panic"
	OutcomeSkipped = "skipped"
)

// TickFunc is invoked once per interval. An empty result with a nil error
// counts as a skipped tick.
type TickFunc func(ctx context.Context) (string, error)

// Observer is notified after every tick.
type Observer interface {
	HeartbeatTick(outcome string, elapsed time.Duration)
}

// Config configures the heartbeat.
type Config struct {
	Enabled         bool   `json:"enabled" yaml:"enabled" toml:"enabled" env:"ENABLED"`
	IntervalSeconds int    `json:"intervalSeconds" yaml:"intervalSeconds" toml:"intervalSeconds" env:"INTERVAL_SECONDS"`
	Prompt          string `json:"prompt,omitempty" yaml:"prompt,omitempty" toml:"prompt,omitempty" env:"PROMPT"`
	WorkspaceDir    string `json:"workspaceDir,omitempty" yaml:"workspaceDir,omitempty" toml:"workspaceDir,omitempty" env:"WORKSPACE_DIR"`
	Channel         string `json:"channel,omitempty" yaml:"channel,omitempty" toml:"channel,omitempty" env:"CHANNEL"`
	Target          string `json:"target,omitempty" yaml:"target,omitempty" toml:"target,omitempty" env:"TARGET"`
}

// Service owns the heartbeat loop.
type Service struct {
	interval time.Duration
	observer Observer

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	lastTick time.Time
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	unit     time.Duration
	observer Observer
}

// WithTimeUnit sets the unit the interval is counted in (default time.Second).
func WithTimeUnit(d time.Duration) Option {
	return func(o *serviceOptions) {
		if d > 0 {
			o.unit = d
		}
	}
}

// WithObserver reports every tick to o.
func WithObserver(o Observer) Option {
	return func(so *serviceOptions) { so.observer = o }
}

// New creates a stopped heartbeat. Intervals below MinIntervalUnits are
// clamped up.
func New(cfg Config, opts ...Option) *Service {
	o := serviceOptions{unit: time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	units := cfg.IntervalSeconds
	if units < MinIntervalUnits {
		L_warn("heartbeat: interval below minimum, clamping", "requested", units, "min", MinIntervalUnits)
		units = MinIntervalUnits
	}

	return &Service{
		interval: time.Duration(units) * o.unit,
		observer: o.observer,
	}
}

// Interval returns the effective tick interval.
func (s *Service) Interval() time.Duration { return s.interval }

// Start launches the loop. It is a no-op when already running.
func (s *Service) Start(ctx context.Context, tick TickFunc) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		L_debug("heartbeat: already running")
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	L_info("heartbeat: started", "interval", s.interval)
	go s.runLoop(ctx, tick, stopCh, doneCh)
}

// Stop signals the loop and waits for it to exit. No-op when not running.
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
	L_info("heartbeat: stopped")
}

// IsRunning reports whether the loop is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastTick returns when the most recent tick started, or the zero time.
func (s *Service) LastTick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick
}

func (s *Service) runLoop(ctx context.Context, tick TickFunc, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer func() {
		// ctx cancellation ends the loop without Stop; reflect that
		s.mu.Lock()
		if s.doneCh == doneCh {
			s.running = false
		}
		s.mu.Unlock()
	}()

	// Stop also cancels a tick that is still in flight
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			L_debug("heartbeat: loop exiting")
			return
		case <-timer.C:
		}

		s.runTick(ctx, tick)
		timer.Reset(s.interval)
	}
}

// runTick invokes tick once. Errors and panics are logged and the loop goes on.
func (s *Service) runTick(ctx context.Context, tick TickFunc) {
	start := time.Now()
	s.mu.Lock()
	s.lastTick = start
	s.mu.Unlock()

	outcome := OutcomeOK
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomePanic
			L_error("heartbeat: tick panic", "panic", fmt.Sprint(r))
		}
		if s.observer != nil {
			s.observer.HeartbeatTick(outcome, time.Since(start))
		}
	}()

	result, err := tick(ctx)
	switch {
	case err != nil:
		outcome = OutcomeError
		L_error("heartbeat: tick failed", "error", err)
	case result == "":
		outcome = OutcomeSkipped
		L_debug("heartbeat: tick produced nothing")
	default:
		L_debug("heartbeat: tick completed", "resultLen", len(result), "elapsed", time.Since(start))
	}
}
