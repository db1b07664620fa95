// Package gateway is the consuming loop between the event bus, the session
// registry and the prompt runner. It also adapts the runner for the cron and
// heartbeat services.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roelfdiedericks/clawcore/internal/bus"
	"github.com/roelfdiedericks/clawcore/internal/commands"
	"github.com/roelfdiedericks/clawcore/internal/cron"
	"github.com/roelfdiedericks/clawcore/internal/heartbeat"
	. "github.com/roelfdiedericks/clawcore/internal/logging"
	"github.com/roelfdiedericks/clawcore/internal/session"
)

// Metadata keys read from inbound events and set on outbound ones.
const (
	MetaInstanceKey = "instance_key"
	MetaChatID      = "chat_id"
	MetaThreadID    = "thread_id"
	MetaSource      = "source"
)

// SourceHeartbeat is the Request.Source of heartbeat runs.
const SourceHeartbeat = "heartbeat"

// JobLister lists scheduled jobs for the /jobs command.
type JobLister interface {
	ListJobs(sessionID string) []cron.CronJob
}

// Gateway coordinates inbound events, sessions and the runner.
type Gateway struct {
	bus      *bus.Bus
	sessions *session.Registry
	runner   Runner
	commands *commands.Manager
	jobs     JobLister
}

// New creates a gateway. jobs may be nil when the scheduler is disabled.
func New(b *bus.Bus, sessions *session.Registry, runner Runner, jobs JobLister) *Gateway {
	if runner == nil {
		runner = EchoRunner{}
	}
	g := &Gateway{bus: b, sessions: sessions, runner: runner, jobs: jobs}
	g.commands = commands.NewManager(g)
	return g
}

// Commands returns the slash command registry.
func (g *Gateway) Commands() *commands.Manager {
	return g.commands
}

// Run consumes inbound events until ctx is done or the bus closes. Prompts
// run as session tasks, so Run never waits on the runner.
func (g *Gateway) Run(ctx context.Context) error {
	L_info("gateway: started")
	for {
		ev, err := g.bus.NextInbound(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) || ctx.Err() != nil {
				L_info("gateway: stopped")
				return nil
			}
			return err
		}
		g.handleInbound(ctx, ev)
	}
}

func (g *Gateway) handleInbound(ctx context.Context, ev bus.InboundEvent) {
	sess, err := g.sessions.Bind(session.BindRequest{
		InstanceKey: ev.MetaString(MetaInstanceKey),
		Channel:     ev.Channel,
		SessionID:   ev.SessionID,
		ChatID:      ev.MetaString(MetaChatID),
		ThreadID:    ev.MetaString(MetaThreadID),
		Metadata:    ev.Metadata,
	})
	if err != nil {
		L_warn("gateway: dropping inbound event", "channel", ev.Channel, "user", ev.UserID, "error", err)
		return
	}

	if commands.IsCommand(ev.Text) {
		res := g.commands.Execute(ctx, ev.Text, commands.Args{
			SessionID: sess.SessionID,
			Channel:   ev.Channel,
			UserID:    ev.UserID,
		})
		if res.Error != nil {
			L_warn("gateway: command failed", "command", ev.Text, "session", sess.SessionID, "error", res.Error)
		}
		g.reply(ctx, ev, res.Text)
		return
	}

	L_debug("gateway: running prompt", "channel", ev.Channel, "session", sess.SessionID, "messages", sess.MessageCount)
	req := Request{
		Source:    ev.Channel,
		SessionID: sess.SessionID,
		Channel:   ev.Channel,
		UserID:    ev.UserID,
		Prompt:    ev.Text,
	}
	g.sessions.Go(ctx, sess.SessionID, func(taskCtx context.Context) error {
		reply, err := g.runner.Run(taskCtx, req)
		if taskCtx.Err() != nil {
			L_info("gateway: run cancelled, reply discarded", "session", req.SessionID)
			return taskCtx.Err()
		}
		if err != nil {
			L_error("gateway: run failed", "session", req.SessionID, "error", err)
			g.reply(ctx, ev, "Error: "+err.Error())
			return err
		}
		if strings.TrimSpace(reply) == "" {
			return nil
		}
		g.reply(ctx, ev, reply)
		return nil
	})
}

// reply publishes text back to where ev came from.
func (g *Gateway) reply(ctx context.Context, ev bus.InboundEvent, text string) {
	target := ev.MetaString(MetaChatID)
	if target == "" {
		target = ev.UserID
	}
	out := bus.NewOutbound(ev.Channel, ev.SessionID, target, text, map[string]any{MetaSource: ev.Channel})
	if err := g.bus.PublishOutbound(ctx, out); err != nil {
		if IsShuttingDown() {
			L_debug("gateway: reply dropped during shutdown", "channel", ev.Channel)
			return
		}
		L_warn("gateway: failed to publish reply", "channel", ev.Channel, "error", err)
	}
}

// CancelSession implements commands.Provider.
func (g *Gateway) CancelSession(sessionID string) int {
	return g.sessions.CancelSessionTasks(sessionID)
}

// SessionInfo implements commands.Provider.
func (g *Gateway) SessionInfo(sessionID string) (commands.SessionInfo, bool) {
	s, ok := g.sessions.FindBySessionID(sessionID)
	if !ok {
		return commands.SessionInfo{}, false
	}
	return commands.SessionInfo{
		SessionID:    s.SessionID,
		Channel:      s.Channel,
		MessageCount: s.MessageCount,
		ActiveTasks:  g.sessions.ActiveTaskCount(s.SessionID),
		FirstSeen:    s.FirstSeen,
		LastSeen:     s.LastSeen,
	}, true
}

// Jobs implements commands.Provider.
func (g *Gateway) Jobs(sessionID string) []commands.JobInfo {
	if g.jobs == nil {
		return nil
	}
	jobs := g.jobs.ListJobs(sessionID)
	out := make([]commands.JobInfo, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, commands.JobInfo{
			ID:       j.ID,
			Name:     j.Name,
			Schedule: j.Schedule.String(),
			Enabled:  j.Enabled,
			NextRun:  j.NextRun,
		})
	}
	return out
}

// runTask runs req as a registered task of sessionID so a stop command
// reaches it.
func (g *Gateway) runTask(ctx context.Context, sessionID string, req Request) (string, error) {
	if sessionID == "" {
		return g.runner.Run(ctx, req)
	}
	task := session.NewTask(ctx)
	g.sessions.RegisterTask(sessionID, task)
	defer g.sessions.UnregisterTask(sessionID, task)

	reply, err := g.runner.Run(task.Context(), req)
	task.Finish(err)
	return reply, err
}

// CronHandler returns the job callback for the cron service. Replies go to
// the job's payload channel and target, defaulting to wherever the job's
// session was last seen.
func (g *Gateway) CronHandler() cron.JobFunc {
	return func(ctx context.Context, job cron.CronJob) (string, error) {
		channel, target := job.Payload.Channel, job.Payload.Target
		if s, ok := g.sessions.FindBySessionID(job.SessionID); ok {
			if channel == "" {
				channel = s.Channel
			}
			if target == "" {
				target = s.ChatID
			}
		}

		reply, err := g.runTask(ctx, job.SessionID, Request{
			Source:    "cron:" + job.ID,
			SessionID: job.SessionID,
			Channel:   channel,
			Prompt:    job.Payload.Prompt,
		})
		if err != nil {
			return "", err
		}

		if channel == "" {
			L_warn("gateway: cron reply has no route", "job", job.ID, "session", job.SessionID)
			return reply, nil
		}
		if strings.TrimSpace(reply) == "" {
			return "", nil
		}
		out := bus.NewOutbound(channel, job.SessionID, target, reply, map[string]any{
			MetaSource: "cron",
			"job_id":   job.ID,
			"job_name": job.Name,
		})
		if err := g.bus.PublishOutbound(ctx, out); err != nil {
			return reply, fmt.Errorf("publish cron reply: %w", err)
		}
		return reply, nil
	}
}

// HeartbeatHandler returns the tick callback for the heartbeat service.
// Suppressed replies (HEARTBEAT_OK, NO_REPLY) count as skipped ticks.
func (g *Gateway) HeartbeatHandler(cfg heartbeat.Config) heartbeat.TickFunc {
	return func(ctx context.Context) (string, error) {
		prompt := heartbeat.BuildPrompt(cfg, time.Now())
		if prompt == "" {
			return "", nil
		}

		sessionID := ""
		if cfg.Channel != "" {
			sessionID = g.sessions.LastSessionID(session.InstanceKey("", cfg.Channel))
		}

		reply, err := g.runTask(ctx, sessionID, Request{
			Source:    SourceHeartbeat,
			SessionID: sessionID,
			Channel:   cfg.Channel,
			Prompt:    prompt,
		})
		if err != nil {
			return "", err
		}
		if heartbeat.IsSuppressed(reply) {
			L_debug("heartbeat: nothing to report")
			return "", nil
		}
		if cfg.Channel == "" {
			L_debug("heartbeat: no delivery channel configured", "replyLen", len(reply))
			return reply, nil
		}

		out := bus.NewOutbound(cfg.Channel, sessionID, cfg.Target, reply, map[string]any{MetaSource: SourceHeartbeat})
		if err := g.bus.PublishOutbound(ctx, out); err != nil {
			return reply, fmt.Errorf("publish heartbeat reply: %w", err)
		}
		return reply, nil
	}
}
