package commands

import (
	"context"
	"fmt"
	"strings"
	"time"
)

func registerBuiltins(m *Manager) {
	m.Register(&Command{
		Name:        "/stop",
		Description: "Cancel running prompts and jobs of this session",
		Aliases:     []string{"/cancel"},
		Handler:     handleStop,
	})

	m.Register(&Command{
		Name:        "/status",
		Description: "Show session info",
		Handler:     handleStatus,
	})

	m.Register(&Command{
		Name:        "/jobs",
		Description: "List scheduled jobs of this session",
		Handler:     handleJobs,
	})

	m.Register(&Command{
		Name:        "/help",
		Description: "Show this help",
		Handler:     handleHelp,
	})
}

func handleStop(ctx context.Context, args *Args) *Result {
	n := args.Provider.CancelSession(args.SessionID)
	return &Result{Text: fmt.Sprintf("Stopped %d running task(s).", n)}
}

func handleStatus(ctx context.Context, args *Args) *Result {
	info, ok := args.Provider.SessionInfo(args.SessionID)
	if !ok {
		return &Result{Text: "No active session."}
	}

	var text strings.Builder
	text.WriteString("Session Status\n")
	fmt.Fprintf(&text, "  Session: %s (%s)\n", info.SessionID, info.Channel)
	fmt.Fprintf(&text, "  Messages: %d\n", info.MessageCount)
	fmt.Fprintf(&text, "  Running tasks: %d\n", info.ActiveTasks)
	fmt.Fprintf(&text, "  Since: %s\n", info.FirstSeen.Local().Format("2006-01-02 15:04"))
	return &Result{Text: strings.TrimRight(text.String(), "\n")}
}

func handleJobs(ctx context.Context, args *Args) *Result {
	jobs := args.Provider.Jobs(args.SessionID)
	if len(jobs) == 0 {
		return &Result{Text: "No scheduled jobs."}
	}

	var text strings.Builder
	fmt.Fprintf(&text, "Scheduled jobs (%d)\n", len(jobs))
	for _, job := range jobs {
		next := "-"
		if job.NextRun != nil {
			next = job.NextRun.Local().Format(time.DateTime)
		}
		state := ""
		if !job.Enabled {
			state = " [disabled]"
		}
		fmt.Fprintf(&text, "  %s  %s  %s  next %s%s\n", job.ID[:min(8, len(job.ID))], job.Name, job.Schedule, next, state)
	}
	return &Result{Text: strings.TrimRight(text.String(), "\n")}
}

func handleHelp(ctx context.Context, args *Args) *Result {
	var text strings.Builder
	text.WriteString("Commands:\n")
	for _, cmd := range args.Manager.List() {
		fmt.Fprintf(&text, "  %-8s %s\n", cmd.Name, cmd.Description)
	}
	return &Result{Text: strings.TrimRight(text.String(), "\n")}
}
