// Package tools holds the built-in agent tools and the registry that
// assembles the per-run toolset: built-ins first, plugin tools with
// deterministic collision suffixes, everything filtered through the run's
// tool policy.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/clawrun/internal/providers"
	"github.com/nextlevelbuilder/clawrun/internal/sandbox"
)

// Tool is one callable tool. Execute returns a Result value; it never
// panics into the agent loop.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// Registry owns the built-in tools and the currently loaded plugin tools.
// Built-in names are reserved: a plugin tool colliding with a built-in or
// an earlier plugin gets a _2, _3… suffix, assigned deterministically.
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]Tool
	plugins  map[string]Tool     // final (possibly suffixed) name → tool
	byPlugin map[string][]string // installed-plugin id → final names
}

func NewRegistry() *Registry {
	return &Registry{
		builtins: make(map[string]Tool),
		plugins:  make(map[string]Tool),
		byPlugin: make(map[string][]string),
	}
}

// RegisterBuiltin adds a built-in tool. Built-ins are installed at startup
// and never collide.
func (r *Registry) RegisterBuiltin(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.builtins[name]; exists {
		return fmt.Errorf("builtin tool %q already registered", name)
	}
	r.builtins[name] = t
	return nil
}

// RegisterPlugin adds one plugin tool and returns the final name it was
// registered under.
func (r *Registry) RegisterPlugin(installedPluginID string, t Tool) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	final := name
	for suffix := 2; r.taken(final); suffix++ {
		final = fmt.Sprintf("%s_%d", name, suffix)
	}
	r.plugins[final] = &renamedTool{Tool: t, name: final}
	r.byPlugin[installedPluginID] = append(r.byPlugin[installedPluginID], final)

	if final != name {
		slog.Info("tools.plugin_tool_renamed", "plugin", installedPluginID, "tool", name, "final", final)
	}
	return final
}

// UnregisterPlugin removes every tool a plugin contributed.
func (r *Registry) UnregisterPlugin(installedPluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.byPlugin[installedPluginID] {
		delete(r.plugins, name)
	}
	delete(r.byPlugin, installedPluginID)
}

// taken must be called with r.mu held.
func (r *Registry) taken(name string) bool {
	if _, ok := r.builtins[name]; ok {
		return true
	}
	_, ok := r.plugins[name]
	return ok
}

// BuildToolset returns the tools visible under the given policy. extra
// tools (per-run constructs like delegate_to_agent) are appended after the
// registry contents and filtered the same way.
func (r *Registry) BuildToolset(policy sandbox.ToolPolicy, extra ...Tool) map[string]Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]Tool, len(r.builtins)+len(r.plugins)+len(extra))
	for name, t := range r.builtins {
		if policy.IsAllowed(name) {
			set[name] = t
		}
	}
	for name, t := range r.plugins {
		if policy.IsAllowed(name) {
			set[name] = t
		}
	}
	for _, t := range extra {
		if policy.IsAllowed(t.Name()) {
			set[t.Name()] = t
		}
	}
	return set
}

// Definitions converts a toolset to provider schemas, sorted by name so the
// advertised order is stable.
func Definitions(set map[string]Tool) []providers.ToolDefinition {
	if len(set) == 0 {
		return nil
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := set[name]
		defs = append(defs, providers.ToolDefinition{
			Name:        name,
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// renamedTool wraps a plugin tool under its collision-suffixed name.
type renamedTool struct {
	Tool
	name string
}

func (t *renamedTool) Name() string { return t.name }
