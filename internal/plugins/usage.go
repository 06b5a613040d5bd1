package plugins

import (
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawrun/internal/rpc"
	"github.com/nextlevelbuilder/clawrun/internal/tools"
)

const usageSpecVersion = "plugin-usage.v1"

// newUsageEvent builds one telemetry record for a guarded tool call.
func newUsageEvent(lp *loadedPlugin, toolName, status string, meta GuardMeta, info tools.RunInfo) rpc.PluginUsageEvent {
	workspaceID := info.WorkspaceID
	if workspaceID == "" {
		workspaceID = lp.plugin.WorkspaceID
	}
	return rpc.PluginUsageEvent{
		SpecVersion:   usageSpecVersion,
		PluginName:    lp.manifest.Name,
		PluginVersion: lp.manifest.Version,
		EventID:       uuid.NewString(),
		EventType:     "tool-call",
		Timestamp:     time.Now().UTC(),
		WorkspaceID:   workspaceID,
		RunID:         info.RunID,
		Status:        status,
		Metrics: map[string]any{
			"queueWaitMs":    meta.QueueWaitMs,
			"executionMs":    meta.ExecutionMs,
			"timeoutMs":      meta.TimeoutMs,
			"maxConcurrency": meta.MaxConcurrency,
			"failureStreak":  meta.FailureStreak,
		},
		Payload: map[string]any{
			"toolName": toolName,
			"pluginId": lp.manifest.ID,
		},
	}
}
