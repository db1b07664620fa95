// Package commands implements the slash commands every channel shares.
package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Command is a slash command.
type Command struct {
	Name        string   // e.g. "/status"
	Description string   // one line for /help
	Aliases     []string // e.g. ["/cancel"]
	Handler     Handler
}

// Handler runs a command.
type Handler func(ctx context.Context, args *Args) *Result

// Manager is a command registry.
type Manager struct {
	mu       sync.RWMutex
	commands map[string]*Command // keyed by lowercase name and aliases
	provider Provider
}

// NewManager creates a registry with the built-in commands.
func NewManager(provider Provider) *Manager {
	m := &Manager{
		commands: make(map[string]*Command),
		provider: provider,
	}
	registerBuiltins(m)
	return m
}

// Register adds a command, replacing any with the same name or alias.
func (m *Manager) Register(cmd *Command) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commands[strings.ToLower(cmd.Name)] = cmd
	for _, alias := range cmd.Aliases {
		m.commands[strings.ToLower(alias)] = cmd
	}
}

// Get returns a command by name or alias.
func (m *Manager) Get(name string) *Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commands[strings.ToLower(name)]
}

// List returns every command once, sorted by name.
func (m *Manager) List() []*Command {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[*Command]bool)
	var list []*Command
	for _, cmd := range m.commands {
		if !seen[cmd] {
			seen[cmd] = true
			list = append(list, cmd)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

// Execute runs the command in text. base carries the caller's session,
// channel and user; its RawArgs, Provider and Manager are filled in here.
func (m *Manager) Execute(ctx context.Context, text string, base Args) *Result {
	name, rawArgs, _ := strings.Cut(strings.TrimSpace(text), " ")
	name = strings.ToLower(name)

	cmd := m.Get(name)
	if cmd == nil {
		return &Result{Text: fmt.Sprintf("Unknown command: %s\nType /help for available commands.", name)}
	}

	args := base
	args.RawArgs = strings.TrimSpace(rawArgs)
	args.Provider = m.provider
	args.Manager = m
	return cmd.Handler(ctx, &args)
}

// IsCommand reports whether text is a slash command.
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}
