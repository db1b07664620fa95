package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/clawcore/internal/bus"
	"github.com/roelfdiedericks/clawcore/internal/config"
	"github.com/roelfdiedericks/clawcore/internal/gateway"
	"github.com/roelfdiedericks/clawcore/internal/heartbeat"
	"github.com/roelfdiedericks/clawcore/internal/session"
)

// isolate points every default path at a temp dir and leaves no local config
// file in the working directory.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("CLAWCORE_HOME", home)
	t.Chdir(t.TempDir())
	return home
}

func TestCLIParses(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"serve", "--no-console"}, "serve"},
		{[]string{"cron", "add", "every 5m", "ping", "--session", "s1"}, "cron add <expression> <prompt>"},
		{[]string{"cron", "rm", "abc"}, "cron remove <id>"},
		{[]string{"cron", "runs", "abc", "--limit", "5"}, "cron runs <id>"},
		{[]string{"-c", "clawcore.yaml", "version"}, "version"},
	}
	for _, tt := range tests {
		var cli CLI
		parser, err := kong.New(&cli, kong.Name("clawcore"))
		if err != nil {
			t.Fatalf("kong.New: %v", err)
		}
		ctx, err := parser.Parse(tt.args)
		if err != nil {
			t.Errorf("Parse(%v): %v", tt.args, err)
			continue
		}
		if got := ctx.Command(); got != tt.want {
			t.Errorf("Parse(%v) command = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestHeartbeatControlRestartsOnChange(t *testing.T) {
	b := bus.New(bus.Config{})
	defer b.Close()
	gw := gateway.New(b, session.NewRegistry(), gateway.EchoRunner{}, nil)
	hb := &heartbeatControl{gw: gw}
	defer hb.stop()
	ctx := context.Background()

	cfg := heartbeat.Config{Enabled: true, IntervalSeconds: 60, Channel: "console"}
	hb.apply(ctx, cfg)
	first := hb.svc
	if first == nil || !first.IsRunning() {
		t.Fatal("heartbeat not started")
	}

	hb.apply(ctx, cfg)
	if hb.svc != first {
		t.Error("unchanged config restarted the heartbeat")
	}

	cfg.IntervalSeconds = 120
	hb.apply(ctx, cfg)
	if hb.svc == first || first.IsRunning() {
		t.Error("changed config did not replace the heartbeat")
	}
	if got := hb.svc.Interval(); got != 120*time.Second {
		t.Errorf("interval = %v", got)
	}

	cfg.Enabled = false
	hb.apply(ctx, cfg)
	if hb.svc != nil {
		t.Error("disabled heartbeat still running")
	}
}

func TestConfigInitWritesLoadableDefaults(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "clawcore.yaml")

	cmd := &ConfigInitCmd{Path: path}
	if err := cmd.Run(&CLI{}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := cmd.Run(&CLI{}); err == nil {
		t.Error("second init without --force should fail")
	}
	cmd.Force = true
	if err := cmd.Run(&CLI{}); err != nil {
		t.Errorf("init --force: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Listen != config.Default().HTTP.Listen || !cfg.Cron.Enabled {
		t.Errorf("loaded config = %+v", cfg)
	}

	bad := &ConfigInitCmd{Path: filepath.Join(t.TempDir(), "clawcore.ini")}
	if err := bad.Run(&CLI{}); err == nil {
		t.Error("unsupported extension accepted")
	}
}

func TestCronCommandsEditJobsFile(t *testing.T) {
	isolate(t)
	cli := &CLI{}

	add := &CronAddCmd{Expression: "every 5m", Prompt: "check the build", Session: "ops", Name: "build"}
	if err := add.Run(cli); err != nil {
		t.Fatalf("add: %v", err)
	}

	cfg, _, err := cli.loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	svc, err := openCron(cfg.Cron)
	if err != nil {
		t.Fatalf("openCron: %v", err)
	}
	jobs := svc.ListJobs("ops")
	svc.Close()
	if len(jobs) != 1 || jobs[0].Name != "build" || jobs[0].Payload.Prompt != "check the build" {
		t.Fatalf("jobs = %+v", jobs)
	}
	id := jobs[0].ID

	if err := (&CronDisableCmd{ID: id}).Run(cli); err != nil {
		t.Errorf("disable: %v", err)
	}
	if err := (&CronEnableCmd{ID: id}).Run(cli); err != nil {
		t.Errorf("enable: %v", err)
	}
	if err := (&CronListCmd{JSON: true}).Run(cli); err != nil {
		t.Errorf("list: %v", err)
	}
	if err := (&CronRunsCmd{ID: id, Limit: 5}).Run(cli); err != nil {
		t.Errorf("runs: %v", err)
	}
	if err := (&CronRemoveCmd{ID: id}).Run(cli); err != nil {
		t.Errorf("remove: %v", err)
	}
	if err := (&CronRemoveCmd{ID: id}).Run(cli); err == nil {
		t.Error("removing a missing job should fail")
	}
	if err := (&CronAddCmd{Expression: "0 99 * * *", Prompt: "x", Session: "ops"}).Run(cli); err == nil {
		t.Error("invalid cron expression accepted")
	}
}
