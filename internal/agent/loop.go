// Package agent drives the coordinator/executor loop of a run: it consumes
// the LLM stream, translates chunks into run events, executes tools, and
// persists messages, tasks and usage through the persistence service.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/clawrun/internal/broker"
	"github.com/nextlevelbuilder/clawrun/internal/providers"
	"github.com/nextlevelbuilder/clawrun/internal/rpc"
	"github.com/nextlevelbuilder/clawrun/internal/sandbox"
	"github.com/nextlevelbuilder/clawrun/internal/telemetry"
	"github.com/nextlevelbuilder/clawrun/internal/tools"
	"github.com/nextlevelbuilder/clawrun/pkg/protocol"
)

// Runner owns the per-process dependencies of the agent loop. One Runner
// serves every run; per-run state lives in runState.
type Runner struct {
	persist  rpc.PersistenceRPC
	llm      providers.LLMStream
	registry *tools.Registry
}

func NewRunner(persist rpc.PersistenceRPC, llm providers.LLMStream, registry *tools.Registry) *Runner {
	return &Runner{persist: persist, llm: llm, registry: registry}
}

// runState is the mutable state shared by the coordinator and its
// delegated executors within one run.
type runState struct {
	runID       string
	workspaceID string
	sessionID   string

	candidateOffset int

	mu            sync.Mutex
	recordedUsage map[string]bool // usage scopes already persisted
}

// RunCoordinator is the broker StarterFunc for one run. Errors returned
// here become the run's terminal error+done pair.
func (r *Runner) RunCoordinator(ctx context.Context, runID string, params broker.RunParams, emit func(protocol.RunEvent)) error {
	agentCfg, err := r.persist.GetAgentConfig(ctx, params.WorkspaceID, params.CoordinatorAgentID)
	if err != nil {
		return fmt.Errorf("load agent config: %w", err)
	}

	state := &runState{
		runID:           runID,
		workspaceID:     params.WorkspaceID,
		sessionID:       params.SessionID,
		candidateOffset: params.StartCandidateOffset,
		recordedUsage:   make(map[string]bool),
	}

	sb := sandboxFromConfig(agentCfg)
	return r.runAgent(ctx, state, agentTurn{
		agentCfg:    agentCfg,
		sandbox:     sb,
		depth:       0,
		coordinator: true,
		userMessage: params.UserRequest,
	}, emit)
}

// agentTurn is one agent invocation, coordinator or delegated executor.
type agentTurn struct {
	agentCfg    *rpc.AgentConfig
	sandbox     sandbox.Sandbox
	depth       int
	coordinator bool
	taskID      string // executors only
	userMessage string
}

// runAgent runs one agent to completion. Thrown errors propagate to the
// caller after the failure bookkeeping (task-failed, message-end) is done.
func (r *Runner) runAgent(ctx context.Context, state *runState, turn agentTurn, emit func(protocol.RunEvent)) (runErr error) {
	messageID := uuid.NewString()
	emit(protocol.MessageStart{MessageID: messageID})

	defer func() {
		if runErr != nil && !turn.coordinator {
			r.failTask(ctx, state, turn.taskID, runErr, emit)
		}
		emit(protocol.MessageEnd{MessageID: messageID})
	}()

	if !turn.coordinator {
		emit(protocol.TaskProgress{TaskID: turn.taskID, Progress: 0})
		r.updateTask(ctx, rpc.TaskUpdate{ID: turn.taskID, Status: strPtr("running"), Progress: intPtr(0)})
	}

	toolset := r.buildToolset(ctx, state, turn, emit)
	pending := newPendingToolCalls()

	ctx = tools.WithRunInfo(ctx, tools.RunInfo{RunID: state.runID, WorkspaceID: state.workspaceID})

	req := providers.StreamRequest{
		Model:        turn.agentCfg.Model,
		SystemPrompt: turn.agentCfg.SystemPrompt,
		Messages:     []providers.Message{{Role: "user", Content: turn.userMessage}},
		Tools:        tools.Definitions(toolset),
		MaxSteps:     turn.sandbox.MaxTurns,
		CallTool: func(ctx context.Context, call providers.ToolCall) (any, error) {
			return executeTool(ctx, toolset, call, turn), nil
		},
	}

	onChunk := func(chunk providers.Chunk) {
		switch chunk.Kind {
		case providers.ChunkTextDelta:
			emit(protocol.TextDelta{Text: pending.appendText(chunk.Delta), Delta: chunk.Delta})
		case providers.ChunkReasoningDelta:
			if chunk.Delta != "" {
				emit(protocol.ReasoningDelta{Delta: chunk.Delta})
			}
		case providers.ChunkReasoning:
			if chunk.Delta != "" {
				emit(protocol.Reasoning{Text: chunk.Delta})
			}
		case providers.ChunkToolCall:
			id := pending.push(chunk.ToolName, chunk.ToolCallID)
			emit(protocol.ToolCall{ToolCallID: id, ToolName: chunk.ToolName, Args: chunk.Args})
		case providers.ChunkToolResult:
			id := pending.pop(chunk.ToolName, chunk.ToolCallID)
			emit(protocol.ToolResult{
				ToolCallID: id,
				ToolName:   chunk.ToolName,
				Result:     chunk.Result,
				Status:     "success",
			})
		}
	}

	result, err := r.stream(ctx, state, turn, req, onChunk, pending)
	if err != nil {
		return err
	}

	r.recordUsage(ctx, state, turn, result.Usage, emit)

	if result.Text != "" {
		if _, err := r.persist.AppendMessage(ctx, rpc.Message{
			ID:        messageID,
			RunID:     state.runID,
			SessionID: state.sessionID,
			Role:      "assistant",
			Content:   result.Text,
		}); err != nil {
			slog.Warn("agent.append_message_failed", "run", state.runID, "error", err)
		}
	}

	if !turn.coordinator {
		r.updateTask(ctx, rpc.TaskUpdate{
			ID:       turn.taskID,
			Status:   strPtr("completed"),
			Progress: intPtr(100),
			Result:   strPtr(result.Text),
		})
		emit(protocol.TaskComplete{TaskID: turn.taskID, Result: result.Text})
	}

	return nil
}

// stream starts the LLM stream. Executors fall back through the agent's
// model candidates, but only while nothing has been emitted yet: after the
// first byte the attempt is committed.
func (r *Runner) stream(ctx context.Context, state *runState, turn agentTurn, req providers.StreamRequest, onChunk func(providers.Chunk), pending *pendingToolCalls) (*providers.StreamResult, error) {
	candidates := candidateModels(turn.agentCfg, state.candidateOffset)
	if turn.coordinator || len(candidates) <= 1 {
		return r.streamOnce(ctx, state, candidates[0], req, onChunk)
	}

	var lastErr error
	for i, model := range candidates {
		emitted := false
		wrapped := func(chunk providers.Chunk) {
			emitted = true
			onChunk(chunk)
		}
		result, err := r.streamOnce(ctx, state, model, req, wrapped)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if emitted {
			return nil, err
		}
		pending.reset()
		if i < len(candidates)-1 {
			slog.Warn("agent.candidate_failed",
				"run", state.runID, "task", turn.taskID, "model", model, "error", err)
		}
	}
	return nil, lastErr
}

// streamOnce issues one LLM stream attempt under a span.
func (r *Runner) streamOnce(ctx context.Context, state *runState, model string, req providers.StreamRequest, onChunk func(providers.Chunk)) (*providers.StreamResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "llm.stream", trace.WithAttributes(
		attribute.String("llm.model", model),
		attribute.String("run.id", state.runID),
	))
	defer span.End()

	req.Model = model
	result, err := r.llm.Stream(ctx, req, onChunk)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "llm stream failed")
	}
	return result, err
}

// buildToolset assembles the tools for this turn. The delegate tool is a
// per-run construct handed only to the coordinator.
func (r *Runner) buildToolset(ctx context.Context, state *runState, turn agentTurn, emit func(protocol.RunEvent)) map[string]tools.Tool {
	var extra []tools.Tool
	if turn.coordinator {
		createTask := func(ctx context.Context, agentID, instruction string) (string, error) {
			return r.persist.CreateTask(ctx, rpc.Task{
				RunID:       state.runID,
				AgentID:     agentID,
				Instruction: instruction,
				Status:      "running",
			})
		}
		runExecutor := func(ctx context.Context, req tools.ExecutorRunRequest) (*tools.ExecutorRunResult, error) {
			return r.runExecutor(ctx, state, req, emit)
		}
		extra = append(extra, tools.NewDelegateTool(turn.depth, turn.sandbox, emit, createTask, runExecutor))
	}
	return r.registry.BuildToolset(turn.sandbox.Tools, extra...)
}

// runExecutor is the ExecutorRunFunc injected into the delegate tool.
func (r *Runner) runExecutor(ctx context.Context, state *runState, req tools.ExecutorRunRequest, emit func(protocol.RunEvent)) (*tools.ExecutorRunResult, error) {
	agentCfg, err := r.persist.GetAgentConfig(ctx, state.workspaceID, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent config: %w", err)
	}

	collector := &textCollector{}
	err = r.runAgent(ctx, state, agentTurn{
		agentCfg:    agentCfg,
		sandbox:     req.Sandbox,
		depth:       req.Depth,
		taskID:      req.TaskID,
		userMessage: req.Instruction,
	}, func(ev protocol.RunEvent) {
		collector.observe(ev)
		emit(ev)
	})
	if err != nil {
		return nil, err
	}
	return &tools.ExecutorRunResult{Text: collector.text}, nil
}

// recordUsage emits the usage event and persists it best effort, deduped
// by scope so error paths cannot double-record.
func (r *Runner) recordUsage(ctx context.Context, state *runState, turn agentTurn, usage *providers.Usage, emit func(protocol.RunEvent)) {
	if usage == nil {
		return
	}
	scope := "run"
	if !turn.coordinator {
		scope = "task:" + turn.taskID
	}

	emit(protocol.Usage{
		Scope:        scope,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		TotalTokens:  usage.TotalTokens,
	})

	state.mu.Lock()
	already := state.recordedUsage[scope]
	state.recordedUsage[scope] = true
	state.mu.Unlock()
	if already {
		return
	}

	rec := rpc.UsageRecord{
		RunID:        state.runID,
		Scope:        scope,
		Model:        turn.agentCfg.Model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		TotalTokens:  usage.TotalTokens,
	}
	var err error
	if turn.coordinator {
		err = r.persist.RecordRunUsage(ctx, rec)
	} else {
		rec.TaskID = turn.taskID
		err = r.persist.RecordTaskUsage(ctx, rec)
	}
	if err != nil {
		slog.Warn("agent.usage_record_failed", "run", state.runID, "scope", scope, "error", err)
	}
}

func (r *Runner) failTask(ctx context.Context, state *runState, taskID string, cause error, emit func(protocol.RunEvent)) {
	emit(protocol.TaskFailed{TaskID: taskID, Error: cause.Error()})
	r.updateTask(ctx, rpc.TaskUpdate{ID: taskID, Status: strPtr("failed"), Error: strPtr(cause.Error())})
}

func (r *Runner) updateTask(ctx context.Context, update rpc.TaskUpdate) {
	if err := r.persist.UpdateTask(ctx, update); err != nil {
		slog.Warn("agent.task_update_failed", "task", update.ID, "error", err)
	}
}

// executeTool dispatches one tool call. Failures come back as values in the
// tool result; only the broker-terminating paths return errors.
func executeTool(ctx context.Context, toolset map[string]tools.Tool, call providers.ToolCall, turn agentTurn) string {
	ctx, span := telemetry.Tracer().Start(ctx, "tool."+call.Name)
	defer span.End()

	// The filesystem tools are shared instances; the turn's sandbox decides
	// what this call may touch.
	ctx = tools.WithFSPolicy(ctx, turn.sandbox.FS)

	tool, ok := toolset[call.Name]
	if !ok {
		// Sub-agents never see the delegate tool; answer their attempts with
		// the delegation-denied message instead of an unknown-tool error.
		if call.Name == sandbox.DelegateToolName && !turn.coordinator {
			span.SetStatus(otelcodes.Error, "delegation denied")
			return fmt.Sprintf(`{"error":"Max spawn depth (%d) reached: delegation denied"}`, turn.sandbox.MaxSpawnDepth)
		}
		span.SetStatus(otelcodes.Error, "unknown tool")
		return fmt.Sprintf(`{"error":"unknown tool %s"}`, call.Name)
	}
	res := tool.Execute(ctx, call.Args)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(otelcodes.Error, "tool failed")
		slog.Debug("agent.tool_error", "tool", call.Name, "error", res.Err)
	}
	return res.ForLLM
}

// candidateModels returns the model list rotated by the run's candidate
// offset, primary model first when no candidates are configured.
func candidateModels(cfg *rpc.AgentConfig, offset int) []string {
	models := make([]string, 0, len(cfg.Candidates)+1)
	if cfg.Model != "" {
		models = append(models, cfg.Model)
	}
	for _, c := range cfg.Candidates {
		if c != "" && c != cfg.Model {
			models = append(models, c)
		}
	}
	if len(models) == 0 {
		models = []string{""}
	}
	if offset > 0 && len(models) > 1 {
		offset = offset % len(models)
		models = append(models[offset:], models[:offset]...)
	}
	return models
}

// sandboxFromConfig derives the immutable policy snapshot of a run.
func sandboxFromConfig(cfg *rpc.AgentConfig) sandbox.Sandbox {
	sb := sandbox.New(
		sandbox.ToolPolicy{Allow: cfg.ToolAllow, Deny: cfg.ToolDeny},
		sandbox.FSPolicy{WorkspaceOnly: cfg.FSWorkspaceOnly, AllowedPaths: cfg.FSAllowedPaths},
		cfg.MaxTurns,
		cfg.MaxSpawnDepth,
		cfg.TimeoutMs,
	)
	sb.ExecAllow = cfg.ExecAllow
	if len(cfg.LeafDeny) > 0 {
		sb.LeafDeny = cfg.LeafDeny
	}
	return sb
}

// textCollector accumulates the assistant text an executor produced, used
// as the delegation result returned to the parent model.
type textCollector struct {
	text string
}

func (c *textCollector) observe(ev protocol.RunEvent) {
	if delta, ok := ev.(protocol.TextDelta); ok {
		c.text += delta.Delta
	}
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
