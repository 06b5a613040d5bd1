package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/clawrun/internal/config"
	"github.com/nextlevelbuilder/clawrun/internal/rpc"
	"github.com/nextlevelbuilder/clawrun/internal/tools"
)

// loadedPlugin tracks one running plugin process and its registry entries.
type loadedPlugin struct {
	plugin    rpc.RuntimePlugin
	manifest  *Manifest
	client    *mcpclient.Client
	guard     *Guard
	toolNames []string
}

// Host launches plugin entries as stdio MCP servers under node and bridges
// their tools into the registry, each call wrapped in the plugin's guard.
type Host struct {
	cfg      config.PluginsConfig
	registry *tools.Registry
	persist  rpc.PersistenceRPC

	mu     sync.Mutex
	loaded map[string]*loadedPlugin

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewHost(cfg config.PluginsConfig, registry *tools.Registry, persist rpc.PersistenceRPC) *Host {
	return &Host{
		cfg:      cfg,
		registry: registry,
		persist:  persist,
		loaded:   make(map[string]*loadedPlugin),
		locks:    make(map[string]*sync.Mutex),
	}
}

// pluginLock returns the mutex serializing sync actions for one installed
// plugin. Actions on different plugins proceed in parallel.
func (h *Host) pluginLock(installedPluginID string) *sync.Mutex {
	h.locksMu.Lock()
	defer h.locksMu.Unlock()
	lock, ok := h.locks[installedPluginID]
	if !ok {
		lock = &sync.Mutex{}
		h.locks[installedPluginID] = lock
	}
	return lock
}

// Load starts the plugin and registers its tools. Already-loaded plugins
// are reloaded in place.
func (h *Host) Load(ctx context.Context, plugin rpc.RuntimePlugin) error {
	lock := h.pluginLock(plugin.InstalledPluginID)
	lock.Lock()
	defer lock.Unlock()

	h.unloadLocked(plugin.InstalledPluginID)
	err := h.loadLocked(ctx, plugin)
	h.reportLoad(ctx, plugin, err)
	return err
}

// Reload is Load with replace semantics spelled out at the call site.
func (h *Host) Reload(ctx context.Context, plugin rpc.RuntimePlugin) error {
	return h.Load(ctx, plugin)
}

// Unload stops the plugin and removes its tools.
func (h *Host) Unload(ctx context.Context, plugin rpc.RuntimePlugin) {
	lock := h.pluginLock(plugin.InstalledPluginID)
	lock.Lock()
	defer lock.Unlock()

	h.unloadLocked(plugin.InstalledPluginID)
	h.reportStatus(ctx, plugin, "unloaded", "", nil)
}

// Bootstrap loads every enabled plugin registered for the workspace.
func (h *Host) Bootstrap(ctx context.Context, workspaceID string) error {
	registered, err := h.persist.ListRuntimePlugins(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("list runtime plugins: %w", err)
	}

	var failed int
	for _, plugin := range registered {
		if !plugin.Enabled {
			continue
		}
		if err := h.Load(ctx, plugin); err != nil {
			slog.Warn("plugins.bootstrap_load_failed",
				"plugin", plugin.PluginID, "installed", plugin.InstalledPluginID, "error", err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d plugin(s) failed to load", failed)
	}
	return nil
}

// Close stops every loaded plugin without persistence reporting.
func (h *Host) Close() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.loaded))
	for id := range h.loaded {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.unloadLocked(id)
	}
}

func (h *Host) loadLocked(ctx context.Context, plugin rpc.RuntimePlugin) error {
	manifest, entry, err := LoadManifest(plugin.InstallPath)
	if err != nil {
		return fmt.Errorf("plugin %s: %w", plugin.PluginID, err)
	}

	nodeBin := h.cfg.NodeBin
	if nodeBin == "" {
		nodeBin = "node"
	}
	sandboxPolicy := manifest.SandboxPolicy(plugin.InstallPath)
	sandboxJSON, err := json.Marshal(sandboxPolicy)
	if err != nil {
		return fmt.Errorf("encode sandbox policy of plugin %s: %w", plugin.PluginID, err)
	}
	env := []string{
		"CLAWRUN_PLUGIN_EXPORT=" + manifest.ExportName(),
		"CLAWRUN_PLUGIN_ID=" + manifest.ID,
		"CLAWRUN_PLUGIN_SANDBOX=" + string(sandboxJSON),
	}
	client, err := mcpclient.NewStdioMCPClient(nodeBin, env, entry)
	if err != nil {
		return fmt.Errorf("start plugin %s: %w", plugin.PluginID, err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "clawrun", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize plugin %s: %w", plugin.PluginID, err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools of plugin %s: %w", plugin.PluginID, err)
	}

	guard := NewGuard(GuardConfig{
		MaxConcurrency:   h.cfg.MaxConcurrencyPerPlugin,
		QueueTimeout:     h.cfg.QueueTimeout,
		ExecutionTimeout: h.cfg.ExecutionTimeout,
		FailureThreshold: h.cfg.FailureThreshold,
		FailureCooldown:  h.cfg.FailureCooldown,
	})

	lp := &loadedPlugin{plugin: plugin, manifest: manifest, client: client, guard: guard}
	for _, mcpTool := range listed.Tools {
		bridge := &pluginTool{
			host:     h,
			plugin:   lp,
			toolName: mcpTool.Name,
			desc:     mcpTool.Description,
			schema:   toParameterSchema(mcpTool.InputSchema),
		}
		final := h.registry.RegisterPlugin(plugin.InstalledPluginID, bridge)
		lp.toolNames = append(lp.toolNames, final)
	}

	h.mu.Lock()
	h.loaded[plugin.InstalledPluginID] = lp
	h.mu.Unlock()

	slog.Info("plugins.loaded",
		"plugin", plugin.PluginID,
		"installed", plugin.InstalledPluginID,
		"version", manifest.Version,
		"tools", len(lp.toolNames),
		"network", sandboxPolicy.Network)
	return nil
}

func (h *Host) unloadLocked(installedPluginID string) {
	h.mu.Lock()
	lp, ok := h.loaded[installedPluginID]
	if ok {
		delete(h.loaded, installedPluginID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	h.registry.UnregisterPlugin(installedPluginID)
	if err := lp.client.Close(); err != nil {
		slog.Warn("plugins.close_failed", "installed", installedPluginID, "error", err)
	}
	slog.Info("plugins.unloaded", "installed", installedPluginID, "tools", len(lp.toolNames))
}

func (h *Host) reportLoad(ctx context.Context, plugin rpc.RuntimePlugin, loadErr error) {
	status := "loaded"
	errMsg := ""
	var toolNames []string
	if loadErr != nil {
		status = "failed"
		errMsg = loadErr.Error()
	} else {
		h.mu.Lock()
		if lp, ok := h.loaded[plugin.InstalledPluginID]; ok {
			toolNames = append(toolNames, lp.toolNames...)
		}
		h.mu.Unlock()
	}
	h.reportStatus(ctx, plugin, status, errMsg, toolNames)
}

func (h *Host) reportStatus(ctx context.Context, plugin rpc.RuntimePlugin, status, errMsg string, toolNames []string) {
	err := h.persist.ReportRuntimePluginLoad(ctx, rpc.PluginLoadReport{
		InstalledPluginID: plugin.InstalledPluginID,
		WorkspaceID:       plugin.WorkspaceID,
		Status:            status,
		Error:             errMsg,
		ToolNames:         toolNames,
	})
	if err != nil {
		slog.Warn("plugins.report_load_failed", "installed", plugin.InstalledPluginID, "error", err)
	}
}

// pluginTool bridges one MCP tool into the registry behind the guard.
type pluginTool struct {
	host     *Host
	plugin   *loadedPlugin
	toolName string
	desc     string
	schema   map[string]any
}

func (t *pluginTool) Name() string        { return t.toolName }
func (t *pluginTool) Description() string { return t.desc }

func (t *pluginTool) Parameters() map[string]any {
	if t.schema == nil {
		return map[string]any{"type": "object"}
	}
	return t.schema
}

func (t *pluginTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	result, meta, code, err := t.plugin.guard.Do(ctx, func(execCtx context.Context) (any, error) {
		req := mcpgo.CallToolRequest{}
		req.Params.Name = t.toolName
		req.Params.Arguments = args
		res, err := t.plugin.client.CallTool(execCtx, req)
		if err != nil {
			return nil, err
		}
		text := collectText(res)
		if res.IsError {
			return nil, fmt.Errorf("%s", text)
		}
		return text, nil
	})

	status := "success"
	if err != nil {
		status = "failure"
	}
	t.host.reportUsage(t.plugin, t.toolName, status, meta, ctx)

	if err != nil {
		return tools.StructuredError(map[string]any{
			"error":     err.Error(),
			"errorCode": code,
			"pluginId":  t.plugin.manifest.ID,
			"toolName":  t.toolName,
		}).WithError(err)
	}

	text, _ := result.(string)
	return tools.NewResult(text)
}

// collectText flattens the text content blocks of a tool result.
func collectText(res *mcpgo.CallToolResult) string {
	var parts []string
	for _, content := range res.Content {
		if tc, ok := mcpgo.AsTextContent(content); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// toParameterSchema converts an MCP input schema to the generic map form
// advertised to the model.
func toParameterSchema(schema mcpgo.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return map[string]any{"type": "object"}
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out
}

// reportUsage emits one plugin-usage.v1 event, fire and forget.
func (h *Host) reportUsage(lp *loadedPlugin, toolName, status string, meta GuardMeta, callCtx context.Context) {
	info, _ := tools.RunInfoFrom(callCtx)
	event := newUsageEvent(lp, toolName, status, meta, info)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.persist.ReportPluginUsageEvents(ctx, []rpc.PluginUsageEvent{event}); err != nil {
			slog.Debug("plugins.usage_report_failed", "plugin", lp.manifest.ID, "error", err)
		}
	}()
}
