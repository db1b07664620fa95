package cron

import "time"

// DefaultPollInterval is how often the scheduler checks for due jobs.
const DefaultPollInterval = time.Second

// Config configures the cron scheduler.
type Config struct {
	Enabled        bool          `json:"enabled" yaml:"enabled" toml:"enabled" env:"ENABLED"`
	JobsPath       string        `json:"jobsPath,omitempty" yaml:"jobsPath,omitempty" toml:"jobsPath,omitempty" env:"JOBS_PATH"`
	PollIntervalMs int           `json:"pollIntervalMs" yaml:"pollIntervalMs" toml:"pollIntervalMs" env:"POLL_INTERVAL_MS"`
	History        HistoryConfig `json:"history" yaml:"history" toml:"history" envPrefix:"HISTORY_"`
}

// PollInterval returns the configured poll interval, or DefaultPollInterval.
func (c Config) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return DefaultPollInterval
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}
