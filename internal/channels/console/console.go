// Package console is an interactive terminal channel. Lines typed at the
// prompt become inbound events; outbound events for the console channel are
// printed above the prompt.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/roelfdiedericks/clawcore/internal/bus"
	"github.com/roelfdiedericks/clawcore/internal/gateway"
	. "github.com/roelfdiedericks/clawcore/internal/logging"
)

// ChannelName is the bus channel this adapter publishes and receives on.
const ChannelName = "console"

// Local commands handled without touching the bus.
const (
	cmdNew  = "/new"
	cmdQuit = "/quit"
	cmdExit = "/exit"
	cmdHelp = "/help"
)

const helpText = `Console commands:
  /new    start a new session
  /quit   leave the console
Other slash commands (/stop, /status, /jobs) go to the gateway.
Anything else is sent as a prompt.`

// Config configures the console.
type Config struct {
	Prompt      string
	InstanceKey string
	UserID      string
	HistoryFile string
}

// Console is the terminal channel adapter.
type Console struct {
	bus *bus.Bus
	cfg Config

	mu        sync.Mutex
	sessionID string
	out       io.Writer
}

// New creates a console publishing to b.
func New(b *bus.Bus, cfg Config) *Console {
	if cfg.Prompt == "" {
		cfg.Prompt = "> "
	}
	if cfg.UserID == "" {
		cfg.UserID = "local"
	}
	return &Console{bus: b, cfg: cfg, sessionID: newSessionID()}
}

func newSessionID() string {
	return "console-" + uuid.NewString()[:8]
}

// SessionID returns the id inbound events are currently tagged with.
func (c *Console) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Run reads lines until ctx is done, EOF, or /quit. Replies are routed to the
// console through d for as long as Run is active.
func (c *Console) Run(ctx context.Context, d *gateway.Dispatcher) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.cfg.Prompt,
		HistoryFile:     c.cfg.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       cmdQuit,
	})
	if err != nil {
		return fmt.Errorf("console: failed to open terminal: %w", err)
	}
	defer rl.Close()

	c.SetOutput(rl.Stdout())
	defer c.SetOutput(nil)

	unregister := d.Register(ChannelName, c.Deliver)
	defer unregister()

	// Readline only returns on input; closing it unblocks a pending read
	stop := context.AfterFunc(ctx, func() { rl.Close() })
	defer stop()

	c.printf("clawcore console, session %s. Type /help for commands.\n", c.SessionID())
	L_info("console: started", "session", c.SessionID())

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if quit := c.HandleLine(ctx, line); quit {
			return nil
		}
	}
}

// HandleLine processes one input line and reports whether the console should exit.
func (c *Console) HandleLine(ctx context.Context, line string) bool {
	text := strings.TrimSpace(line)
	switch strings.ToLower(text) {
	case "":
		return false
	case cmdQuit, cmdExit:
		return true
	case cmdHelp:
		c.printf("%s\n", helpText)
		return false
	case cmdNew:
		c.mu.Lock()
		c.sessionID = newSessionID()
		id := c.sessionID
		c.mu.Unlock()
		c.printf("new session %s\n", id)
		L_debug("console: new session", "session", id)
		return false
	}

	meta := map[string]any{gateway.MetaChatID: c.cfg.UserID}
	if c.cfg.InstanceKey != "" {
		meta[gateway.MetaInstanceKey] = c.cfg.InstanceKey
	}
	ev := bus.NewInbound(ChannelName, c.SessionID(), c.cfg.UserID, text, meta)
	if err := c.bus.PublishInbound(ctx, ev); err != nil {
		L_warn("console: publish failed", "error", err)
		c.printf("! %v\n", err)
	}
	return false
}

// Deliver prints an outbound event. It is the console's dispatcher route.
func (c *Console) Deliver(_ context.Context, ev bus.OutboundEvent) error {
	prefix := ""
	if src, _ := ev.Metadata[gateway.MetaSource].(string); src != "" && src != ChannelName {
		prefix = "[" + src + "] "
	}
	c.printf("%s%s\n", prefix, ev.Text)
	return nil
}

// SetOutput directs printed output to w. Run points it at the terminal.
func (c *Console) SetOutput(w io.Writer) {
	c.mu.Lock()
	c.out = w
	c.mu.Unlock()
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return
	}
	fmt.Fprintf(c.out, format, args...)
}
