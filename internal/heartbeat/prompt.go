package heartbeat

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/roelfdiedericks/clawcore/internal/logging"
)

// ChecklistFile is read from the workspace on every tick.
const ChecklistFile = "HEARTBEAT.md"

// DefaultPrompt is used when no prompt is configured.
const DefaultPrompt = `Read HEARTBEAT.md if it exists (workspace context). Follow it strictly. Do not infer or repeat old tasks from prior chats. If nothing needs attention, reply HEARTBEAT_OK.`

// Suppression tokens. A reply consisting only of one of these is not delivered.
const (
	TokenOK      = "HEARTBEAT_OK"
	TokenNoReply = "NO_REPLY"
)

// BuildPrompt returns the prompt for a tick at now, or "" when the tick
// should be skipped because the workspace checklist exists but is empty.
func BuildPrompt(cfg Config, now time.Time) string {
	var checklist string
	if cfg.WorkspaceDir != "" {
		path := filepath.Join(cfg.WorkspaceDir, ChecklistFile)
		content, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			L_warn("heartbeat: failed to read checklist", "path", path, "error", err)
		default:
			if !hasContent(string(content)) {
				L_debug("heartbeat: checklist is empty, skipping", "path", path)
				return ""
			}
			checklist = strings.TrimSpace(string(content))
		}
	}

	prompt := cfg.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[HEARTBEAT at %s]\n\n%s", now.UTC().Format("2006-01-02 15:04 MST"), prompt)
	if checklist != "" {
		sb.WriteString("\n\n")
		sb.WriteString(checklist)
	}
	return sb.String()
}

// hasContent reports whether s has any line that is neither blank nor a
// markdown heading/comment.
func hasContent(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return true
		}
	}
	return false
}

// IsSuppressed reports whether reply means "nothing to deliver".
func IsSuppressed(reply string) bool {
	trimmed := strings.TrimSpace(reply)
	return trimmed == "" ||
		strings.EqualFold(trimmed, TokenOK) ||
		strings.EqualFold(trimmed, TokenNoReply)
}
