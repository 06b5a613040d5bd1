// Package sandbox holds the immutable per-run policy snapshot: tool
// allow/deny globs, filesystem prefixes, exec allow-list and depth/turn
// limits. A Sandbox is derived once from agent configuration at run start
// and never mutated; narrowing produces a new value.
package sandbox

import "strings"

// DelegateToolName is always denied for narrowed sub-agent sandboxes.
const DelegateToolName = "delegate_to_agent"

// LeafDenyDefault is the extra deny set applied at maximum spawn depth.
var LeafDenyDefault = []string{"fs_write", "web_search"}

// ToolPolicy is an allow/deny pair of glob lists. Deny wins; an empty allow
// list permits everything not denied.
type ToolPolicy struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// FSPolicy restricts filesystem tool access.
type FSPolicy struct {
	WorkspaceOnly bool     `json:"workspaceOnly"`
	AllowedPaths  []string `json:"allowedPaths,omitempty"`
}

// Sandbox is the per-run policy bundle.
type Sandbox struct {
	Tools         ToolPolicy
	FS            FSPolicy
	ExecAllow     []string
	MaxTurns      int
	MaxSpawnDepth int
	TimeoutMs     int
	LeafDeny      []string // applied on top of Tools at max spawn depth
}

// New builds a sandbox with defaults filled in.
func New(tools ToolPolicy, fs FSPolicy, maxTurns, maxSpawnDepth, timeoutMs int) Sandbox {
	if maxTurns <= 0 {
		maxTurns = 20
	}
	if maxSpawnDepth < 0 {
		maxSpawnDepth = 0
	}
	return Sandbox{
		Tools:         tools,
		FS:            fs,
		MaxTurns:      maxTurns,
		MaxSpawnDepth: maxSpawnDepth,
		TimeoutMs:     timeoutMs,
		LeafDeny:      LeafDenyDefault,
	}
}

// matchGlob supports the restricted grammar: "*" matches anything,
// "foo*" is a prefix match, "*foo" a suffix match, anything else exact.
func matchGlob(pattern, name string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*") && !strings.HasPrefix(pattern, "*"):
		return strings.HasPrefix(name, pattern[:len(pattern)-1])
	case strings.HasPrefix(pattern, "*") && !strings.HasSuffix(pattern, "*"):
		return strings.HasSuffix(name, pattern[1:])
	default:
		return pattern == name
	}
}

// IsAllowed evaluates the tool policy for a tool name. Deny wins; with an
// empty allow list everything else passes; otherwise an allow match is
// required.
func (p ToolPolicy) IsAllowed(name string) bool {
	for _, d := range p.Deny {
		if matchGlob(d, name) {
			return false
		}
	}
	if len(p.Allow) == 0 {
		return true
	}
	for _, a := range p.Allow {
		if matchGlob(a, name) {
			return true
		}
	}
	return false
}

// NarrowForSubagent derives the child policy for a delegation at the given
// depth. delegate_to_agent is always denied; at depth >= maxDepth the leaf
// deny set is added too. The allow list is never widened.
func (s Sandbox) NarrowForSubagent(depth int) Sandbox {
	child := s
	deny := make([]string, 0, len(s.Tools.Deny)+1+len(s.LeafDeny))
	deny = append(deny, s.Tools.Deny...)
	deny = append(deny, DelegateToolName)
	if depth >= s.MaxSpawnDepth {
		deny = append(deny, s.LeafDeny...)
	}
	child.Tools = ToolPolicy{Allow: s.Tools.Allow, Deny: deny}
	return child
}
