package rpc

import (
	"encoding/json"
	"time"
)

// AgentConfig is the persisted configuration of one agent, fetched at run
// start. Sandbox fields become the run's immutable policy snapshot.
type AgentConfig struct {
	ID           string `json:"id"`
	WorkspaceID  string `json:"workspaceId"`
	Name         string `json:"name"`
	SystemPrompt string `json:"systemPrompt"`

	// Model is the preferred model; Candidates lists fallbacks tried in
	// order by the executor when a candidate fails before first byte.
	Model      string   `json:"model"`
	Candidates []string `json:"candidates,omitempty"`

	ToolAllow       []string `json:"toolAllow,omitempty"`
	ToolDeny        []string `json:"toolDeny,omitempty"`
	FSWorkspaceOnly bool     `json:"fsWorkspaceOnly,omitempty"`
	FSAllowedPaths  []string `json:"fsAllowedPaths,omitempty"`
	ExecAllow       []string `json:"execAllow,omitempty"`
	LeafDeny        []string `json:"leafDeny,omitempty"`

	MaxTurns      int `json:"maxTurns,omitempty"`
	MaxSpawnDepth int `json:"maxSpawnDepth,omitempty"`
	TimeoutMs     int `json:"timeoutMs,omitempty"`
}

// Message is one chat message row.
type Message struct {
	ID        string    `json:"id,omitempty"`
	RunID     string    `json:"runId"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// ContinueContext is the resolved resume context for a follow-up run.
type ContinueContext struct {
	SessionID   string    `json:"sessionId"`
	WorkspaceID string    `json:"workspaceId"`
	AgentID     string    `json:"agentId"`
	ResumeMode  string    `json:"resumeMode,omitempty"`
	History     []Message `json:"history,omitempty"`
}

// CreateRunRequest persists the canonical run row.
type CreateRunRequest struct {
	SessionID   string `json:"sessionId"`
	WorkspaceID string `json:"workspaceId"`
	AgentID     string `json:"agentId"`
	UserRequest string `json:"userRequest"`
	ChannelID   string `json:"channelId,omitempty"`
}

// Task is a delegated sub-agent unit of work.
type Task struct {
	ID          string `json:"id,omitempty"`
	RunID       string `json:"runId"`
	AgentID     string `json:"agentId"`
	Instruction string `json:"instruction"`
	Status      string `json:"status,omitempty"`
	Progress    int    `json:"progress,omitempty"`
}

// TaskUpdate carries a partial task mutation. Nil fields are left untouched.
type TaskUpdate struct {
	ID       string  `json:"id"`
	Status   *string `json:"status,omitempty"`
	Progress *int    `json:"progress,omitempty"`
	Result   *string `json:"result,omitempty"`
	Error    *string `json:"error,omitempty"`
}

// UsageRecord is one token-usage row, scoped to a run or a task.
type UsageRecord struct {
	RunID        string `json:"runId"`
	TaskID       string `json:"taskId,omitempty"`
	Scope        string `json:"scope"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	TotalTokens  int    `json:"totalTokens"`
}

// PluginUsageEvent is one plugin-usage.v1 telemetry record. Extra carries
// fields this runtime does not model so they survive the round trip.
type PluginUsageEvent struct {
	SpecVersion   string         `json:"specVersion"`
	PluginName    string         `json:"pluginName"`
	PluginVersion string         `json:"pluginVersion"`
	EventID       string         `json:"eventId"`
	EventType     string         `json:"eventType"`
	Timestamp     time.Time      `json:"timestamp"`
	WorkspaceID   string         `json:"workspaceId"`
	RunID         string         `json:"runId"`
	Status        string         `json:"status"`
	Metrics       map[string]any `json:"metrics"`
	Payload       map[string]any `json:"payload"`
	Extra         map[string]any `json:"-"`
}

var pluginUsageKnownFields = map[string]bool{
	"specVersion": true, "pluginName": true, "pluginVersion": true,
	"eventId": true, "eventType": true, "timestamp": true,
	"workspaceId": true, "runId": true, "status": true,
	"metrics": true, "payload": true,
}

// UnmarshalJSON keeps fields this runtime does not model in Extra so they
// survive the hop to persistence.
func (e *PluginUsageEvent) UnmarshalJSON(data []byte) error {
	type plain PluginUsageEvent
	if err := json.Unmarshal(data, (*plain)(e)); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, value := range raw {
		if pluginUsageKnownFields[key] {
			continue
		}
		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			return err
		}
		if e.Extra == nil {
			e.Extra = make(map[string]any)
		}
		e.Extra[key] = v
	}
	return nil
}

// MarshalJSON folds Extra back into the top-level object. Known fields win
// over Extra on key collisions.
func (e PluginUsageEvent) MarshalJSON() ([]byte, error) {
	type plain PluginUsageEvent
	known, err := json.Marshal(plain(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 {
		return known, nil
	}
	merged := make(map[string]json.RawMessage, len(e.Extra)+len(pluginUsageKnownFields))
	for key, value := range e.Extra {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		merged[key] = raw
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(known, &top); err != nil {
		return nil, err
	}
	for key, value := range top {
		merged[key] = value
	}
	return json.Marshal(merged)
}

// RuntimePlugin is one installed plugin row from the registry.
type RuntimePlugin struct {
	InstalledPluginID string `json:"installedPluginId"`
	WorkspaceID       string `json:"workspaceId"`
	PluginID          string `json:"pluginId"`
	Version           string `json:"version"`
	InstallPath       string `json:"installPath"`
	Enabled           bool   `json:"enabled"`
}

// PluginLoadReport tells persistence how a load/reload attempt went.
type PluginLoadReport struct {
	InstalledPluginID string   `json:"installedPluginId"`
	WorkspaceID       string   `json:"workspaceId"`
	Status            string   `json:"status"`
	Error             string   `json:"error,omitempty"`
	ToolNames         []string `json:"toolNames,omitempty"`
}
