// Package protocol defines the run event stream shared between the runtime,
// the gateway and stream subscribers. Events form a closed union tagged by
// "type"; the broker decorates each admitted event with seq and emittedAt.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind is the discriminator tag of a run event.
type EventKind string

const (
	KindMessageStart    EventKind = "message-start"
	KindTextDelta       EventKind = "text-delta"
	KindReasoningDelta  EventKind = "reasoning-delta"
	KindReasoning       EventKind = "reasoning"
	KindToolCall        EventKind = "tool-call"
	KindToolResult      EventKind = "tool-result"
	KindAgentSwitch     EventKind = "agent-switch"
	KindTaskProgress    EventKind = "task-progress"
	KindTaskComplete    EventKind = "task-complete"
	KindTaskFailed      EventKind = "task-failed"
	KindApprovalRequest EventKind = "approval-request"
	KindUsage           EventKind = "usage"
	KindMessageEnd      EventKind = "message-end"
	KindDone            EventKind = "done"
	KindError           EventKind = "error"
)

// RunEvent is one variant of the run event union.
type RunEvent interface {
	Kind() EventKind
}

// MessageStart opens an assistant message.
type MessageStart struct {
	MessageID string `json:"messageId"`
}

// TextDelta carries an incremental piece of assistant text. Text is the
// accumulated content so far, Delta the newly appended piece.
type TextDelta struct {
	Text  string `json:"text"`
	Delta string `json:"delta"`
}

// ReasoningDelta carries an incremental piece of model reasoning.
type ReasoningDelta struct {
	Delta string `json:"delta"`
}

// Reasoning carries a complete reasoning block.
type Reasoning struct {
	Text string `json:"text"`
}

// ToolCall announces a tool invocation requested by the model.
type ToolCall struct {
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args,omitempty"`
}

// ToolResult reports the outcome of an earlier ToolCall.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Result     any    `json:"result,omitempty"`
	Status     string `json:"status"`
}

// AgentSwitch marks delegation to another agent. TaskID is empty on the
// first emission (before the task row exists) and set on the second.
type AgentSwitch struct {
	AgentID string `json:"agentId"`
	TaskID  string `json:"taskId,omitempty"`
}

// TaskProgress reports sub-agent task progress in percent.
type TaskProgress struct {
	TaskID   string `json:"taskId"`
	Progress int    `json:"progress"`
}

// TaskComplete marks a sub-agent task as finished.
type TaskComplete struct {
	TaskID string `json:"taskId"`
	Result string `json:"result,omitempty"`
}

// TaskFailed marks a sub-agent task as failed.
type TaskFailed struct {
	TaskID string `json:"taskId"`
	Error  string `json:"error"`
}

// ApprovalRequest asks a human to approve a guarded tool call.
type ApprovalRequest struct {
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args,omitempty"`
}

// Usage reports token consumption for a run or task scope.
type Usage struct {
	Scope        string `json:"scope"` // "run" or "task:<taskId>"
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	TotalTokens  int    `json:"totalTokens"`
}

// MessageEnd closes an assistant message.
type MessageEnd struct {
	MessageID string `json:"messageId,omitempty"`
}

// Done terminates the stream. No events follow it.
type Done struct{}

// Error reports a run-level failure. The broker emits Done right after.
type Error struct {
	Message string `json:"message"`
}

func (MessageStart) Kind() EventKind    { return KindMessageStart }
func (TextDelta) Kind() EventKind       { return KindTextDelta }
func (ReasoningDelta) Kind() EventKind  { return KindReasoningDelta }
func (Reasoning) Kind() EventKind       { return KindReasoning }
func (ToolCall) Kind() EventKind        { return KindToolCall }
func (ToolResult) Kind() EventKind      { return KindToolResult }
func (AgentSwitch) Kind() EventKind     { return KindAgentSwitch }
func (TaskProgress) Kind() EventKind    { return KindTaskProgress }
func (TaskComplete) Kind() EventKind    { return KindTaskComplete }
func (TaskFailed) Kind() EventKind      { return KindTaskFailed }
func (ApprovalRequest) Kind() EventKind { return KindApprovalRequest }
func (Usage) Kind() EventKind           { return KindUsage }
func (MessageEnd) Kind() EventKind      { return KindMessageEnd }
func (Done) Kind() EventKind            { return KindDone }
func (Error) Kind() EventKind           { return KindError }

// IsTerminal reports whether the kind ends the run stream.
func IsTerminal(k EventKind) bool {
	return k == KindDone || k == KindError
}

// Envelope is a run event decorated with broker-assigned ordering metadata.
// Seq is strictly monotonic per run starting at 1.
type Envelope struct {
	Seq       uint64    `json:"seq"`
	EmittedAt time.Time `json:"emittedAt"`
	Event     RunEvent  `json:"-"`
}

// MarshalJSON flattens the variant fields next to type, seq and emittedAt.
func (e Envelope) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if e.Event != nil {
		raw, err := json.Marshal(e.Event)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		kind, _ := json.Marshal(e.Event.Kind())
		fields["type"] = kind
	}
	seq, _ := json.Marshal(e.Seq)
	fields["seq"] = seq
	at, _ := json.Marshal(e.EmittedAt)
	fields["emittedAt"] = at
	return json.Marshal(fields)
}

// UnmarshalJSON reconstructs the variant from the type tag.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var head struct {
		Type      EventKind `json:"type"`
		Seq       uint64    `json:"seq"`
		EmittedAt time.Time `json:"emittedAt"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	e.Seq = head.Seq
	e.EmittedAt = head.EmittedAt

	ev, err := decodeEvent(head.Type, data)
	if err != nil {
		return err
	}
	e.Event = ev
	return nil
}

func decodeEvent(kind EventKind, data []byte) (RunEvent, error) {
	switch kind {
	case KindMessageStart:
		return decodeAs[MessageStart](data)
	case KindTextDelta:
		return decodeAs[TextDelta](data)
	case KindReasoningDelta:
		return decodeAs[ReasoningDelta](data)
	case KindReasoning:
		return decodeAs[Reasoning](data)
	case KindToolCall:
		return decodeAs[ToolCall](data)
	case KindToolResult:
		return decodeAs[ToolResult](data)
	case KindAgentSwitch:
		return decodeAs[AgentSwitch](data)
	case KindTaskProgress:
		return decodeAs[TaskProgress](data)
	case KindTaskComplete:
		return decodeAs[TaskComplete](data)
	case KindTaskFailed:
		return decodeAs[TaskFailed](data)
	case KindApprovalRequest:
		return decodeAs[ApprovalRequest](data)
	case KindUsage:
		return decodeAs[Usage](data)
	case KindMessageEnd:
		return decodeAs[MessageEnd](data)
	case KindDone:
		return Done{}, nil
	case KindError:
		return decodeAs[Error](data)
	default:
		return nil, fmt.Errorf("unknown event type %q", kind)
	}
}

func decodeAs[T RunEvent](data []byte) (RunEvent, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
