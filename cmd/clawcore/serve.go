package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roelfdiedericks/clawcore/internal/bus"
	"github.com/roelfdiedericks/clawcore/internal/channels/console"
	"github.com/roelfdiedericks/clawcore/internal/config"
	"github.com/roelfdiedericks/clawcore/internal/cron"
	"github.com/roelfdiedericks/clawcore/internal/gateway"
	"github.com/roelfdiedericks/clawcore/internal/heartbeat"
	clawhttp "github.com/roelfdiedericks/clawcore/internal/http"
	. "github.com/roelfdiedericks/clawcore/internal/logging"
	"github.com/roelfdiedericks/clawcore/internal/metrics"
	"github.com/roelfdiedericks/clawcore/internal/paths"
	"github.com/roelfdiedericks/clawcore/internal/session"
)

// Sessions not seen for this long are dropped from the registry.
const (
	sessionIdleTTL       = 24 * time.Hour
	sessionSweepInterval = 10 * time.Minute
)

// ServeCmd runs every long-lived component until SIGINT or SIGTERM.
type ServeCmd struct {
	NoConsole bool   `name:"no-console" help:"Do not start the interactive console."`
	Listen    string `help:"Override the HTTP listen address."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	started := time.Now()
	cfg, cfgPath, err := cli.loadConfig()
	if err != nil {
		return err
	}
	L_object("config: effective", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	b := bus.New(cfg.Bus, bus.WithObserver(m))
	defer b.Close()
	reg := session.NewRegistry(session.WithObserver(m))
	m.WatchBus(b)
	m.WatchSessions(reg)

	var cronSvc *cron.Service
	var jobs gateway.JobLister
	if cfg.Cron.Enabled {
		cronSvc, err = openCron(cfg.Cron, cron.WithObserver(m))
		if err != nil {
			return err
		}
		defer cronSvc.Close()
		jobs = cronSvc
	} else {
		L_info("cron: disabled by config")
	}

	runner := gateway.NewRunner(cfg.Runner.Command, time.Duration(cfg.Runner.TimeoutSeconds)*time.Second)
	gw := gateway.New(b, reg, runner, jobs)
	dispatcher := gateway.NewDispatcher(b)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error {
		sweepSessions(gctx, reg)
		return nil
	})

	if cronSvc != nil {
		cronSvc.Start(gctx, gw.CronHandler())
		defer cronSvc.Stop()
	}

	hb := &heartbeatControl{gw: gw, observer: m}
	hb.apply(gctx, cfg.Heartbeat)
	defer hb.stop()

	if cfgPath != "" {
		watcher := config.NewWatcher(cfgPath, func(next *config.Config) {
			SetLevel(ParseLevel(next.Logging.Level))
			hb.apply(gctx, next.Heartbeat)
		})
		g.Go(func() error { return watcher.Run(gctx) })
	}

	if cfg.HTTP.Enabled {
		listen := cfg.HTTP.Listen
		if c.Listen != "" {
			listen = c.Listen
		}
		srv := clawhttp.NewServer(clawhttp.ServerConfig{Listen: listen}, clawhttp.Deps{
			Bus:      b,
			Sessions: reg,
			Cron:     cronSvc,
			Metrics:  m.Handler(),
			Observer: m,
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	if cfg.Console.Enabled && !c.NoConsole {
		historyFile, err := paths.DataPath("console_history")
		if err == nil {
			err = paths.EnsureDir(filepath.Dir(historyFile))
		}
		if err != nil {
			L_warn("console: history disabled", "error", err)
			historyFile = ""
		}
		con := console.New(b, console.Config{
			Prompt:      cfg.Console.Prompt,
			InstanceKey: cfg.Console.InstanceKey,
			UserID:      cfg.Console.UserID,
			HistoryFile: historyFile,
		})
		g.Go(func() error {
			defer stop() // leaving the console shuts everything down
			return con.Run(gctx, dispatcher)
		})
	}

	L_elapsed(started, "clawcore: ready", "version", version, "config", cfgPath)
	context.AfterFunc(gctx, SetShuttingDown)
	err = g.Wait()
	L_info("clawcore: stopped")
	return err
}

func openCron(cfg cron.Config, opts ...cron.Option) (*cron.Service, error) {
	hist, err := cron.NewHistory(cfg.History)
	if err != nil {
		return nil, err
	}
	opts = append(opts, cron.WithHistory(hist), cron.WithPollInterval(cfg.PollInterval()))
	svc, err := cron.NewService(cfg.JobsPath, opts...)
	if err != nil {
		hist.Close()
		return nil, err
	}
	return svc, nil
}

func sweepSessions(ctx context.Context, reg *session.Registry) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := reg.EvictIdle(sessionIdleTTL); n > 0 {
				L_debug("session: evicted idle sessions", "count", n)
			}
		}
	}
}

// heartbeatControl restarts the heartbeat when its config changes.
type heartbeatControl struct {
	gw       *gateway.Gateway
	observer heartbeat.Observer

	mu  sync.Mutex
	svc *heartbeat.Service
	cfg heartbeat.Config
}

func (h *heartbeatControl) apply(ctx context.Context, cfg heartbeat.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.svc != nil && cfg == h.cfg {
		return
	}
	if h.svc != nil {
		h.svc.Stop()
		h.svc = nil
	}
	h.cfg = cfg
	if !cfg.Enabled {
		L_debug("heartbeat: disabled")
		return
	}

	h.svc = heartbeat.New(cfg, heartbeat.WithObserver(h.observer))
	h.svc.Start(ctx, h.gw.HeartbeatHandler(cfg))
	L_info("heartbeat: started", "interval", h.svc.Interval(), "channel", cfg.Channel)
}

func (h *heartbeatControl) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.svc != nil {
		h.svc.Stop()
		h.svc = nil
	}
}
