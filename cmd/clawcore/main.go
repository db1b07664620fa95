// Command clawcore runs the scheduling and session core: event bus, session
// registry, cron and heartbeat services, console channel and status API.
//
// Usage:
//
//	clawcore serve --config clawcore.yaml
//	clawcore cron add "every 30m" "check the build" --session ops
//	clawcore cron list
//	clawcore config init ./clawcore.yaml
package main

import (
	"fmt"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/clawcore/internal/config"
	. "github.com/roelfdiedericks/clawcore/internal/logging"
	"github.com/roelfdiedericks/clawcore/internal/paths"
)

var version = "dev"

// CLI defines the command-line interface.
type CLI struct {
	Serve   ServeCmd   `cmd:"" help:"Run the gateway, scheduler and status API."`
	Cron    CronCmd    `cmd:"" help:"Manage scheduled jobs."`
	Config  ConfigCmd  `cmd:"" help:"Create or inspect the config file."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	ConfigFile string `name:"config" short:"c" help:"Path to config file (json, toml or yaml)." type:"path"`
	LogLevel   string `help:"Override the configured log level (trace, debug, info, warn, error)."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("clawcore"),
		kong.Description("Scheduling and session core for a personal assistant runtime."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}

// loadConfig resolves and loads the config file, then initializes logging.
// It returns the path actually used, "" when running on defaults.
func (cli *CLI) loadConfig() (*config.Config, string, error) {
	path := cli.ConfigFile
	if path == "" {
		found, err := paths.ConfigPath()
		if err != nil {
			return nil, "", err
		}
		path = found
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	Init(cfg.LogConfig())

	if path == "" {
		L_debug("config: no config file found, using defaults")
	}
	return cfg, path, nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	v := version
	if info, ok := debug.ReadBuildInfo(); ok && v == "dev" {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			v = info.Main.Version
		}
	}
	fmt.Printf("clawcore %s\n", v)
	return nil
}
