package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/clawrun/internal/sandbox"
	"github.com/nextlevelbuilder/clawrun/pkg/protocol"
)

// stubTool is a minimal Tool for registry tests.
type stubTool struct {
	name string
}

func (t *stubTool) Name() string               { return t.name }
func (t *stubTool) Description() string        { return "stub " + t.name }
func (t *stubTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (t *stubTool) Execute(ctx context.Context, args map[string]any) *Result {
	return NewResult("ok")
}

func TestPluginCollisionSuffixes(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterBuiltin(&stubTool{name: "fs_read"}); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}

	first := r.RegisterPlugin("p1", &stubTool{name: "fs_read"})
	if first != "fs_read_2" {
		t.Errorf("first collision = %q, want fs_read_2", first)
	}
	second := r.RegisterPlugin("p2", &stubTool{name: "fs_read"})
	if second != "fs_read_3" {
		t.Errorf("second collision = %q, want fs_read_3", second)
	}
	clean := r.RegisterPlugin("p3", &stubTool{name: "crm_lookup"})
	if clean != "crm_lookup" {
		t.Errorf("non-colliding plugin renamed to %q", clean)
	}

	set := r.BuildToolset(sandbox.ToolPolicy{})
	for _, name := range []string{"fs_read", "fs_read_2", "fs_read_3", "crm_lookup"} {
		tool, ok := set[name]
		if !ok {
			t.Errorf("toolset missing %q", name)
			continue
		}
		if tool.Name() != name {
			t.Errorf("tool registered as %q reports Name()=%q", name, tool.Name())
		}
	}
}

func TestUnregisterPluginRemovesAllItsTools(t *testing.T) {
	r := NewRegistry()
	r.RegisterPlugin("p1", &stubTool{name: "a"})
	r.RegisterPlugin("p1", &stubTool{name: "b"})
	r.RegisterPlugin("p2", &stubTool{name: "a"}) // becomes a_2

	r.UnregisterPlugin("p1")
	set := r.BuildToolset(sandbox.ToolPolicy{})
	if _, ok := set["a"]; ok {
		t.Error("p1 tool a still present")
	}
	if _, ok := set["b"]; ok {
		t.Error("p1 tool b still present")
	}
	if _, ok := set["a_2"]; !ok {
		t.Error("p2 tool a_2 removed with p1")
	}
}

func TestBuildToolsetAppliesPolicy(t *testing.T) {
	r := NewRegistry()
	_ = r.RegisterBuiltin(&stubTool{name: "fs_read"})
	_ = r.RegisterBuiltin(&stubTool{name: "fs_write"})
	_ = r.RegisterBuiltin(&stubTool{name: "web_search"})

	set := r.BuildToolset(sandbox.ToolPolicy{Deny: []string{"fs_*"}}, &stubTool{name: "extra"})
	if _, ok := set["fs_read"]; ok {
		t.Error("denied fs_read leaked into toolset")
	}
	if _, ok := set["web_search"]; !ok {
		t.Error("web_search should pass the policy")
	}
	if _, ok := set["extra"]; !ok {
		t.Error("extra tool should pass the policy")
	}

	defs := Definitions(set)
	if len(defs) != 2 {
		t.Fatalf("got %d definitions, want 2", len(defs))
	}
	if defs[0].Name > defs[1].Name {
		t.Error("definitions must be sorted by name")
	}
}

func TestFSToolsHonorPolicy(t *testing.T) {
	dir := t.TempDir()
	policy := sandbox.FSPolicy{AllowedPaths: []string{dir}}

	write := NewFSWriteTool(dir, policy)
	res := write.Execute(context.Background(), map[string]any{
		"path":    filepath.Join(dir, "note.txt"),
		"content": "hello",
	})
	if res.IsError {
		t.Fatalf("write failed: %s", res.ForLLM)
	}

	read := NewFSReadTool(dir, policy)
	res = read.Execute(context.Background(), map[string]any{"path": filepath.Join(dir, "note.txt")})
	if res.IsError || res.ForLLM != "hello" {
		t.Errorf("read = (%q, err=%v)", res.ForLLM, res.IsError)
	}

	res = read.Execute(context.Background(), map[string]any{"path": dir + "/../escape.txt"})
	if !res.IsError {
		t.Error("dotdot path must be rejected")
	}

	res = read.Execute(context.Background(), map[string]any{"path": "/etc/passwd"})
	if !res.IsError {
		t.Error("path outside the allowlist must be rejected")
	}

	if _, err := os.Stat(filepath.Join(dir, "note.txt")); err != nil {
		t.Errorf("written file missing: %v", err)
	}
}

func TestDelegateNarrowsChildSandbox(t *testing.T) {
	sb := sandbox.New(sandbox.ToolPolicy{}, sandbox.FSPolicy{}, 10, 1, 0)

	var events []protocol.RunEvent
	emit := func(ev protocol.RunEvent) { events = append(events, ev) }
	createTask := func(ctx context.Context, agentID, instruction string) (string, error) {
		return "task-1", nil
	}

	var childReq ExecutorRunRequest
	run := func(ctx context.Context, req ExecutorRunRequest) (*ExecutorRunResult, error) {
		childReq = req
		return &ExecutorRunResult{Text: "child says done"}, nil
	}
	tool := NewDelegateTool(0, sb, emit, createTask, run)
	res := tool.Execute(context.Background(), map[string]any{"agentId": "a2", "instruction": "go"})
	if res.IsError {
		t.Fatalf("delegation failed: %s", res.ForLLM)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(res.ForLLM), &payload); err != nil {
		t.Fatalf("result payload not JSON: %v", err)
	}
	if payload["result"] != "child says done" {
		t.Errorf("result = %v", payload["result"])
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want agent-switch pair", len(events))
	}
	first, ok := events[0].(protocol.AgentSwitch)
	if !ok || first.AgentID != "a2" || first.TaskID != "" {
		t.Errorf("first event = %#v", events[0])
	}
	second, ok := events[1].(protocol.AgentSwitch)
	if !ok || second.TaskID != "task-1" {
		t.Errorf("second event = %#v", events[1])
	}

	if childReq.Depth != 1 {
		t.Errorf("child depth = %d, want 1", childReq.Depth)
	}
	if childReq.Sandbox.Tools.IsAllowed(sandbox.DelegateToolName) {
		t.Error("child sandbox must deny delegate_to_agent")
	}
	if childReq.Sandbox.Tools.IsAllowed("fs_write") {
		t.Error("child at max depth must have the leaf deny set applied")
	}
}

func TestFSToolsUseContextPolicy(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")

	// Permissive construction-time policy, denying run policy on the context.
	write := NewFSWriteTool(dir, sandbox.FSPolicy{})
	ctx := WithFSPolicy(context.Background(), sandbox.FSPolicy{AllowedPaths: []string{filepath.Join(dir, "elsewhere")}})

	res := write.Execute(ctx, map[string]any{"path": target, "content": "leak"})
	if !res.IsError {
		t.Fatal("write allowed although the run policy denies the path")
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("denied path was written (stat err = %v)", err)
	}

	// Without a run policy on the context the construction-time policy holds.
	res = write.Execute(context.Background(), map[string]any{"path": target, "content": "fine"})
	if res.IsError {
		t.Fatalf("write failed under the default policy: %s", res.ForLLM)
	}

	read := NewFSReadTool(dir, sandbox.FSPolicy{})
	res = read.Execute(ctx, map[string]any{"path": target})
	if !res.IsError {
		t.Error("read allowed although the run policy denies the path")
	}
}

func TestKnowledgeSearchFormatsHits(t *testing.T) {
	tool := NewKnowledgeSearchTool("w1", func(ctx context.Context, workspaceID, query string, limit int) ([]KnowledgeHit, error) {
		if workspaceID != "w1" || query != "deploys" || limit != 2 {
			t.Errorf("unexpected search args: %s %s %d", workspaceID, query, limit)
		}
		return []KnowledgeHit{
			{Source: "msg-1", Snippet: "deploys run at noon"},
			{Source: "msg-2", Snippet: "use the deploy channel"},
		}, nil
	})

	res := tool.Execute(context.Background(), map[string]any{"query": "deploys", "limit": float64(2)})
	if res.IsError {
		t.Fatalf("search failed: %s", res.ForLLM)
	}
	if res.ForLLM == "" || res.ForLLM == "No results found." {
		t.Errorf("unexpected output %q", res.ForLLM)
	}

	empty := NewKnowledgeSearchTool("w1", func(ctx context.Context, workspaceID, query string, limit int) ([]KnowledgeHit, error) {
		return nil, nil
	})
	res = empty.Execute(context.Background(), map[string]any{"query": "nothing"})
	if res.ForLLM != "No results found." {
		t.Errorf("empty search output = %q", res.ForLLM)
	}

	failing := NewKnowledgeSearchTool("w1", func(ctx context.Context, workspaceID, query string, limit int) ([]KnowledgeHit, error) {
		return nil, fmt.Errorf("store offline")
	})
	res = failing.Execute(context.Background(), map[string]any{"query": "x"})
	if !res.IsError {
		t.Error("store failure must surface as an error result")
	}
}
