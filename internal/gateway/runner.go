package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	. "github.com/roelfdiedericks/clawcore/internal/logging"
)

// Request is one prompt to run on behalf of a channel, cron job or heartbeat.
type Request struct {
	Source    string // channel name, "cron:<job id>" or "heartbeat"
	SessionID string
	Channel   string
	UserID    string
	Prompt    string
}

// Runner executes a prompt and returns the reply text.
type Runner interface {
	Run(ctx context.Context, req Request) (string, error)
}

// NewRunner returns an ExecRunner for command, or an EchoRunner when command is empty.
func NewRunner(command []string, timeout time.Duration) Runner {
	if len(command) == 0 {
		return EchoRunner{}
	}
	return &ExecRunner{Command: command, Timeout: timeout}
}

// EchoRunner replies with the prompt itself.
type EchoRunner struct{}

func (EchoRunner) Run(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return req.Prompt, nil
}

// maxStderrInError bounds how much stderr is quoted in a failure.
const maxStderrInError = 500

// ExecRunner pipes the prompt to a subprocess on stdin and replies with its
// stdout. Request fields are passed as CLAWCORE_* environment variables.
type ExecRunner struct {
	Command []string
	Timeout time.Duration // zero means no limit beyond ctx
	Dir     string
}

func (r *ExecRunner) Run(ctx context.Context, req Request) (string, error) {
	if len(r.Command) == 0 {
		return "", errors.New("exec runner: no command configured")
	}

	execCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, r.Command[0], r.Command[1:]...) //nolint:gosec // G204: command from admin config
	cmd.Dir = r.Dir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = append(os.Environ(),
		"CLAWCORE_SOURCE="+req.Source,
		"CLAWCORE_SESSION_ID="+req.SessionID,
		"CLAWCORE_CHANNEL="+req.Channel,
		"CLAWCORE_USER_ID="+req.UserID,
	)
	// grandchildren holding the pipes open must not block Wait past cancellation
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			L_warn("exec runner: timed out", "source", req.Source, "timeout", r.Timeout)
			return "", fmt.Errorf("command timed out after %v", r.Timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if len(msg) > maxStderrInError {
				msg = msg[:maxStderrInError] + "..."
			}
			L_debug("exec runner: non-zero exit", "source", req.Source, "exitCode", exitErr.ExitCode(), "elapsed", elapsed)
			return "", fmt.Errorf("command exited with %d: %s", exitErr.ExitCode(), msg)
		}
		return "", fmt.Errorf("exec failed: %w", err)
	}

	L_debug("exec runner: completed", "source", req.Source, "elapsed", elapsed, "stdoutLen", stdout.Len())
	return strings.TrimSpace(stdout.String()), nil
}
