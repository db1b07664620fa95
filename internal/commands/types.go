package commands

import "time"

// Provider gives commands access to the running core.
type Provider interface {
	// CancelSession requests cancellation of every running task of a
	// session and returns how many were asked to stop.
	CancelSession(sessionID string) int
	SessionInfo(sessionID string) (SessionInfo, bool)
	// Jobs lists the scheduled jobs owned by a session. Nil when the
	// scheduler is disabled.
	Jobs(sessionID string) []JobInfo
}

// SessionInfo is what /status reports about a session.
type SessionInfo struct {
	SessionID    string
	Channel      string
	MessageCount int
	ActiveTasks  int
	FirstSeen    time.Time
	LastSeen     time.Time
}

// JobInfo is what /jobs reports about a scheduled job.
type JobInfo struct {
	ID       string
	Name     string
	Schedule string
	Enabled  bool
	NextRun  *time.Time
}

// Args are passed to a command handler.
type Args struct {
	SessionID string
	Channel   string
	UserID    string
	RawArgs   string // everything after the command name
	Provider  Provider
	Manager   *Manager
}

// Result is the reply to a command.
type Result struct {
	Text  string
	Error error
}
