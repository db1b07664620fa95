// Package config provides configuration loading for clawcore.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roelfdiedericks/clawcore/internal/bus"
	"github.com/roelfdiedericks/clawcore/internal/cron"
	"github.com/roelfdiedericks/clawcore/internal/fsutil"
	"github.com/roelfdiedericks/clawcore/internal/heartbeat"
	"github.com/roelfdiedericks/clawcore/internal/logging"
	"github.com/roelfdiedericks/clawcore/internal/paths"
)

// EnvPrefix is prepended to every environment override, e.g. CLAWCORE_BUS_INBOUND_CAPACITY.
const EnvPrefix = "CLAWCORE_"

// Config represents the merged clawcore configuration
type Config struct {
	Logging   LoggingConfig    `json:"logging" yaml:"logging" toml:"logging" envPrefix:"LOG_"`
	Bus       bus.Config       `json:"bus" yaml:"bus" toml:"bus" envPrefix:"BUS_"`
	Cron      cron.Config      `json:"cron" yaml:"cron" toml:"cron" envPrefix:"CRON_"`
	Heartbeat heartbeat.Config `json:"heartbeat" yaml:"heartbeat" toml:"heartbeat" envPrefix:"HEARTBEAT_"`
	HTTP      HTTPConfig       `json:"http" yaml:"http" toml:"http" envPrefix:"HTTP_"`
	Runner    RunnerConfig     `json:"runner" yaml:"runner" toml:"runner" envPrefix:"RUNNER_"`
	Console   ConsoleConfig    `json:"console" yaml:"console" toml:"console" envPrefix:"CONSOLE_"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" toml:"level" env:"LEVEL"` // trace, debug, info, warn, error
	JSON       bool   `json:"json" yaml:"json" toml:"json" env:"JSON"`
	ShowCaller bool   `json:"showCaller" yaml:"showCaller" toml:"showCaller" env:"SHOW_CALLER"`
	TimeFormat string `json:"timeFormat,omitempty" yaml:"timeFormat,omitempty" toml:"timeFormat,omitempty" env:"TIME_FORMAT"`
}

// HTTPConfig configures the status API.
type HTTPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Listen  string `json:"listen" yaml:"listen" toml:"listen" env:"LISTEN"`
}

// RunnerConfig selects how prompts are executed. An empty Command echoes.
type RunnerConfig struct {
	Command        []string `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty" env:"COMMAND" envSeparator:" "`
	TimeoutSeconds int      `json:"timeoutSeconds" yaml:"timeoutSeconds" toml:"timeoutSeconds" env:"TIMEOUT_SECONDS"`
}

// ConsoleConfig configures the interactive console channel.
type ConsoleConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Prompt      string `json:"prompt" yaml:"prompt" toml:"prompt" env:"PROMPT"`
	InstanceKey string `json:"instanceKey,omitempty" yaml:"instanceKey,omitempty" toml:"instanceKey,omitempty" env:"INSTANCE_KEY"`
	UserID      string `json:"userId" yaml:"userId" toml:"userId" env:"USER_ID"`
}

// Default returns the built-in configuration.
func Default() *Config {
	jobsPath, err := paths.CronJobsPath()
	if err != nil {
		jobsPath = filepath.Join("cron", "jobs.json")
	}
	runsDir, err := paths.CronRunsDir()
	if err != nil {
		runsDir = filepath.Join("cron", "runs")
	}
	workspace, err := paths.DefaultWorkspace()
	if err != nil {
		workspace = "workspace"
	}

	return &Config{
		Logging: LoggingConfig{Level: "info", TimeFormat: "15:04:05"},
		Bus: bus.Config{
			InboundCapacity:    bus.DefaultCapacity,
			OutboundCapacity:   bus.DefaultCapacity,
			SubscriberCapacity: bus.DefaultCapacity,
		},
		Cron: cron.Config{
			Enabled:        true,
			JobsPath:       jobsPath,
			PollIntervalMs: int(cron.DefaultPollInterval.Milliseconds()),
			History:        cron.HistoryConfig{Store: cron.HistoryStoreJSONL, Path: runsDir},
		},
		Heartbeat: heartbeat.Config{
			Enabled:         false,
			IntervalSeconds: heartbeat.DefaultIntervalUnits,
			WorkspaceDir:    workspace,
			Channel:         "console",
		},
		HTTP:    HTTPConfig{Enabled: true, Listen: "127.0.0.1:3380"},
		Runner:  RunnerConfig{TimeoutSeconds: 300},
		Console: ConsoleConfig{Enabled: true, Prompt: "clawcore> ", UserID: "local"},
	}
}

// LogConfig converts the logging section for logging.Init.
func (c *Config) LogConfig() *logging.LogConfig {
	lc := logging.DefaultLogConfig()
	lc.Level = logging.ParseLevel(c.Logging.Level)
	lc.JSON = c.Logging.JSON
	lc.ShowCaller = c.Logging.ShowCaller
	if c.Logging.TimeFormat != "" {
		lc.TimeFormat = c.Logging.TimeFormat
	}
	return lc
}

// Load builds the configuration in this order: defaults, .env file next to
// the config (and in the working directory), the config file itself, default
// backfill for zeroed fields, then CLAWCORE_* environment variables.
// An empty path means paths.ConfigPath(); no config file at all is fine.
func Load(path string) (*Config, error) {
	if path == "" {
		found, err := paths.ConfigPath()
		if err != nil {
			return nil, err
		}
		path = found
	}

	loadDotEnv(path)

	cfg := Default()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	// zeroed numbers and strings fall back to defaults; booleans are taken as written
	if err := mergo.Merge(cfg, Default(), mergo.WithTransformers(keepBools{})); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads .env files without overriding variables already set.
func loadDotEnv(configPath string) {
	candidates := []string{".env"}
	if configPath != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(configPath), ".env"))
	}
	seen := make(map[string]bool)
	for _, f := range candidates {
		abs, err := filepath.Abs(f)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if err := godotenv.Load(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logging.L_warn("config: failed to load .env", "path", abs, "error", err)
		}
	}
}

// decodeFile decodes path onto cfg by file extension. Fields absent from the
// file keep their current value.
func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logging.L_debug("config: file not found, using defaults", "path", path)
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	logging.L_debug("config: loaded", "path", path)
	return nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Cron.JobsPath, &c.Cron.History.Path, &c.Heartbeat.WorkspaceDir} {
		expanded, err := paths.ExpandTilde(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// Save writes cfg to path in the format its extension names, keeping
// rotated backups of the previous file.
func Save(path string, cfg *Config) error {
	var buf bytes.Buffer
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode toml: %w", err)
		}
	case ".yaml", ".yml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		enc.Close()
	default:
		return fsutil.BackupAndWriteJSON(path, cfg, fsutil.DefaultBackupCount)
	}
	return fsutil.BackupAndWrite(path, buf.Bytes(), fsutil.DefaultBackupCount)
}

// keepBools stops mergo from replacing an explicit false with a default true.
type keepBools struct{}

func (keepBools) Transformer(t reflect.Type) func(dst, src reflect.Value) error {
	if t.Kind() == reflect.Bool {
		return func(dst, src reflect.Value) error { return nil }
	}
	return nil
}
