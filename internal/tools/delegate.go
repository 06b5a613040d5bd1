package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/clawrun/internal/sandbox"
	"github.com/nextlevelbuilder/clawrun/pkg/protocol"
)

// ExecutorRunRequest is the request passed to the ExecutorRunFunc callback.
// Mirrors the agent package's executor input without importing it (avoids
// tools→agent import cycle).
type ExecutorRunRequest struct {
	AgentID     string
	Instruction string
	TaskID      string
	Depth       int
	Sandbox     sandbox.Sandbox
}

// ExecutorRunResult is the result from ExecutorRunFunc.
type ExecutorRunResult struct {
	Text string
}

// ExecutorRunFunc runs a sub-agent. Injected from the agent layer.
type ExecutorRunFunc func(ctx context.Context, req ExecutorRunRequest) (*ExecutorRunResult, error)

// CreateTaskFunc persists a new delegated task row and returns its id.
type CreateTaskFunc func(ctx context.Context, agentID, instruction string) (string, error)

// DelegateTool is the per-run delegate_to_agent tool handed only to the
// coordinator. It creates the task, narrows the sandbox and invokes the
// injected executor.
type DelegateTool struct {
	depth      int
	sb         sandbox.Sandbox
	emit       func(protocol.RunEvent)
	createTask CreateTaskFunc
	run        ExecutorRunFunc
}

func NewDelegateTool(depth int, sb sandbox.Sandbox, emit func(protocol.RunEvent), createTask CreateTaskFunc, run ExecutorRunFunc) *DelegateTool {
	return &DelegateTool{
		depth:      depth,
		sb:         sb,
		emit:       emit,
		createTask: createTask,
		run:        run,
	}
}

func (t *DelegateTool) Name() string { return sandbox.DelegateToolName }
func (t *DelegateTool) Description() string {
	return "Delegate a task to another agent and return its result"
}

func (t *DelegateTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agentId": map[string]any{
				"type":        "string",
				"description": "Id of the agent to delegate to",
			},
			"instruction": map[string]any{
				"type":        "string",
				"description": "What the delegated agent should do",
			},
		},
		"required": []string{"agentId", "instruction"},
	}
}

// Execute runs one delegation. The depth cap is a structured error object
// returned to the model, not a failure of the run.
func (t *DelegateTool) Execute(ctx context.Context, args map[string]any) *Result {
	agentID, _ := args["agentId"].(string)
	instruction, _ := args["instruction"].(string)
	if strings.TrimSpace(agentID) == "" || strings.TrimSpace(instruction) == "" {
		return ErrorResult("agentId and instruction are required")
	}

	if t.depth >= t.sb.MaxSpawnDepth {
		return StructuredError(map[string]any{
			"error": fmt.Sprintf("Max spawn depth (%d) reached: delegation denied", t.sb.MaxSpawnDepth),
		})
	}

	t.emit(protocol.AgentSwitch{AgentID: agentID})

	taskID, err := t.createTask(ctx, agentID, instruction)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to create task: %v", err)).WithError(err)
	}
	t.emit(protocol.AgentSwitch{AgentID: agentID, TaskID: taskID})

	childDepth := t.depth + 1
	childSandbox := t.sb.NarrowForSubagent(childDepth)

	slog.Info("delegation started", "agent", agentID, "task", taskID, "depth", childDepth)
	result, err := t.run(ctx, ExecutorRunRequest{
		AgentID:     agentID,
		Instruction: instruction,
		TaskID:      taskID,
		Depth:       childDepth,
		Sandbox:     childSandbox,
	})
	if err != nil {
		return StructuredError(map[string]any{
			"error":  fmt.Sprintf("delegated agent failed: %v", err),
			"taskId": taskID,
		}).WithError(err)
	}

	return StructuredResult(map[string]any{"result": result.Text})
}
