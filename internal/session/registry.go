// Package session tracks the current conversation per channel instance and
// the in-flight work tied to each session id.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	. "github.com/roelfdiedericks/clawcore/internal/logging"
)

// ErrInvalidArgument is returned for caller input that cannot be bound.
var ErrInvalidArgument = errors.New("invalid argument")

// ChannelSession is the live conversation under one instance key.
type ChannelSession struct {
	InstanceKey  string         `json:"instanceKey"`
	SessionID    string         `json:"sessionId"`
	Channel      string         `json:"channel"`
	ChatID       string         `json:"chatId,omitempty"`
	ThreadID     string         `json:"threadId,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	FirstSeen    time.Time      `json:"firstSeen"`
	LastSeen     time.Time      `json:"lastSeen"`
	MessageCount int            `json:"messageCount"`
}

// Clone returns an independent copy.
func (s *ChannelSession) Clone() ChannelSession {
	c := *s
	c.Metadata = maps.Clone(s.Metadata)
	return c
}

// BindRequest carries the per-message identity supplied by the gateway.
type BindRequest struct {
	InstanceKey string
	Channel     string
	SessionID   string
	ChatID      string
	ThreadID    string
	Metadata    map[string]any
}

// Stats summarizes registry contents.
type Stats struct {
	Sessions     int `json:"sessions"`
	TaskSessions int `json:"taskSessions"`
	Tasks        int `json:"tasks"`
}

// Observer is told how many cancellation requests each cancel call issued.
type Observer interface {
	TasksCancelled(sessionID string, count int)
}

// InstanceKey returns explicit, or the lowercased channel name when explicit is empty.
func InstanceKey(explicit, channel string) string {
	if explicit != "" {
		return explicit
	}
	return strings.ToLower(channel)
}

// Registry owns all channel sessions and task handles. One mutex guards
// everything; no method holds it while blocking on anything else.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*ChannelSession     // instance key -> session
	tasks    map[string]map[TaskHandle]bool // session id -> handles
	owner    map[TaskHandle]string          // handle -> session id

	now      func() time.Time
	observer Observer
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithObserver reports cancellations to o.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*ChannelSession),
		tasks:    make(map[string]map[TaskHandle]bool),
		owner:    make(map[TaskHandle]string),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bind records an inbound message. The same session id under the key updates
// the session in place; any other id replaces it with a fresh one.
func (r *Registry) Bind(req BindRequest) (ChannelSession, error) {
	if req.SessionID == "" {
		return ChannelSession{}, fmt.Errorf("%w: empty session id", ErrInvalidArgument)
	}
	key := InstanceKey(req.InstanceKey, req.Channel)
	if key == "" {
		return ChannelSession{}, fmt.Errorf("%w: no instance key or channel", ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if cur, ok := r.sessions[key]; ok && cur.SessionID == req.SessionID {
		cur.LastSeen = now
		cur.MessageCount++
		if req.ChatID != "" {
			cur.ChatID = req.ChatID
		}
		if req.ThreadID != "" {
			cur.ThreadID = req.ThreadID
		}
		if len(req.Metadata) > 0 {
			if cur.Metadata == nil {
				cur.Metadata = make(map[string]any, len(req.Metadata))
			}
			maps.Copy(cur.Metadata, req.Metadata)
		}
		return cur.Clone(), nil
	}

	if prev, ok := r.sessions[key]; ok {
		// Replacement starts a new conversation; tasks of the old one are
		// left running and stay cancellable by their session id.
		if n := len(r.tasks[prev.SessionID]); n > 0 {
			L_warn("session: replaced session still has registered tasks",
				"instance", key, "oldSession", prev.SessionID, "newSession", req.SessionID, "tasks", n)
		} else {
			L_debug("session: replaced", "instance", key, "oldSession", prev.SessionID, "newSession", req.SessionID)
		}
	}

	sess := &ChannelSession{
		InstanceKey:  key,
		SessionID:    req.SessionID,
		Channel:      req.Channel,
		ChatID:       req.ChatID,
		ThreadID:     req.ThreadID,
		Metadata:     maps.Clone(req.Metadata),
		FirstSeen:    now,
		LastSeen:     now,
		MessageCount: 1,
	}
	r.sessions[key] = sess
	return sess.Clone(), nil
}

// LastSessionID returns the session id bound to key, or "".
func (r *Registry) LastSessionID(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		return s.SessionID
	}
	return ""
}

// Get returns a copy of the session under key.
func (r *Registry) Get(key string) (ChannelSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return ChannelSession{}, false
	}
	return s.Clone(), true
}

// FindBySessionID returns a copy of the session currently bound to sessionID.
func (r *Registry) FindBySessionID(sessionID string) (ChannelSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.SessionID == sessionID {
			return s.Clone(), true
		}
	}
	return ChannelSession{}, false
}

// ListByChannel returns copies of the channel's sessions, most recently seen first.
// An empty channel lists every session.
func (r *Registry) ListByChannel(channel string) []ChannelSession {
	r.mu.Lock()
	out := make([]ChannelSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		if channel == "" || s.Channel == channel {
			out = append(out, s.Clone())
		}
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].InstanceKey < out[j].InstanceKey
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// DropInstance removes the session under key. Idempotent.
func (r *Registry) DropInstance(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[key]; ok {
		delete(r.sessions, key)
		L_debug("session: dropped", "instance", key)
	}
}

// EvictIdle drops sessions not seen for longer than maxIdle and returns how many.
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxIdle)
	evicted := 0
	for key, s := range r.sessions {
		if s.LastSeen.Before(cutoff) {
			delete(r.sessions, key)
			evicted++
		}
	}
	if evicted > 0 {
		L_info("session: evicted idle sessions", "count", evicted, "maxIdle", maxIdle)
	}
	return evicted
}

// RegisterTask adds h to the session's set. A handle already registered under
// another session is moved.
func (r *Registry) RegisterTask(sessionID string, h TaskHandle) {
	if h == nil {
		return
	}
	if !reflect.TypeOf(h).Comparable() {
		L_warn("session: task handle is not comparable, not registered", "session", sessionID, "type", fmt.Sprintf("%T", h))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.owner[h]; ok && prev != sessionID {
		r.removeLocked(prev, h)
	}
	set := r.tasks[sessionID]
	if set == nil {
		set = make(map[TaskHandle]bool)
		r.tasks[sessionID] = set
	}
	set[h] = true
	r.owner[h] = sessionID
}

// UnregisterTask removes h from the session's set, dropping the set when empty.
func (r *Registry) UnregisterTask(sessionID string, h TaskHandle) {
	if h == nil || !reflect.TypeOf(h).Comparable() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(sessionID, h)
}

func (r *Registry) removeLocked(sessionID string, h TaskHandle) {
	set, ok := r.tasks[sessionID]
	if !ok || !set[h] {
		return
	}
	delete(set, h)
	delete(r.owner, h)
	if len(set) == 0 {
		delete(r.tasks, sessionID)
	}
}

// ActiveTaskCount counts the session's handles that have not completed.
func (r *Registry) ActiveTaskCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for h := range r.tasks[sessionID] {
		if !isDone(h) {
			n++
		}
	}
	return n
}

// CancelSessionTasks requests cancellation of every unfinished handle for the
// session and returns how many requests were issued. It neither waits nor
// unregisters; that is up to each task's own completion path.
func (r *Registry) CancelSessionTasks(sessionID string) int {
	r.mu.Lock()
	pending := make([]TaskHandle, 0, len(r.tasks[sessionID]))
	for h := range r.tasks[sessionID] {
		if !isDone(h) {
			pending = append(pending, h)
		}
	}
	r.mu.Unlock()

	for _, h := range pending {
		h.Cancel()
	}

	if len(pending) > 0 {
		L_info("session: cancellation requested", "session", sessionID, "tasks", len(pending))
	}
	if r.observer != nil {
		r.observer.TasksCancelled(sessionID, len(pending))
	}
	return len(pending)
}

// Go runs fn as a registered task of sessionID. The task unregisters itself
// when fn returns; a panic in fn is recovered and becomes the task's error.
func (r *Registry) Go(ctx context.Context, sessionID string, fn func(ctx context.Context) error) *Task {
	task := NewTask(ctx)
	r.RegisterTask(sessionID, task)

	go func() {
		var err error
		defer func() {
			if rec := recover(); rec != nil {
				L_error("session: task panic", "session", sessionID, "panic", rec)
				err = fmt.Errorf("task panic: %v", rec)
			}
			task.Finish(err)
			r.UnregisterTask(sessionID, task)
		}()
		err = fn(task.Context())
	}()

	return task
}

// Stats returns registry counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{Sessions: len(r.sessions), TaskSessions: len(r.tasks)}
	for _, set := range r.tasks {
		st.Tasks += len(set)
	}
	return st
}
