// Package providers adapts LLM APIs to the streaming interface the agent
// loop consumes. Only OpenAI-compatible chat-completions endpoints are
// supported; anything speaking that dialect (OpenAI, Groq, OpenRouter,
// DeepSeek, vLLM) works through the one adapter.
package providers

import "context"

// LLMStream drives one multi-step agent conversation, executing tools
// through the injected callback and emitting chunks as they arrive.
type LLMStream interface {
	Stream(ctx context.Context, req StreamRequest, onChunk func(Chunk)) (*StreamResult, error)
}

// ChunkKind discriminates streamed chunks.
type ChunkKind string

const (
	ChunkTextDelta      ChunkKind = "text-delta"
	ChunkReasoningDelta ChunkKind = "reasoning-delta"
	ChunkReasoning      ChunkKind = "reasoning"
	ChunkToolCall       ChunkKind = "tool-call"
	ChunkToolResult     ChunkKind = "tool-result"
)

// Chunk is one streamed increment. Stream errors are returned by Stream
// itself, not delivered as chunks.
type Chunk struct {
	Kind ChunkKind

	// Delta carries the text or reasoning increment.
	Delta string

	// Tool fields. ToolCallID may be empty on results when the upstream
	// API omits it; the consumer re-attaches ids by tool name.
	ToolCallID string
	ToolName   string
	Args       map[string]any
	Result     any
}

// Message is one conversation turn in the provider wire vocabulary.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"arguments"`
}

// ToolDefinition is the schema advertised to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// CallToolFunc executes one tool call on behalf of the stream. The result
// is fed back to the model; an error aborts the stream.
type CallToolFunc func(ctx context.Context, call ToolCall) (any, error)

// StreamRequest is the input to Stream.
type StreamRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
	MaxSteps     int
	CallTool     CallToolFunc
}

// Usage is the accumulated token consumption of a stream.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// StreamResult is the terminal summary of a stream.
type StreamResult struct {
	Text  string
	Usage *Usage
}
