package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/clawrun/internal/rpc"
)

// pluginSyncRequest is a control-plane instruction to (un)load a plugin or
// bootstrap a workspace's full set.
type pluginSyncRequest struct {
	Action string `json:"action"`
	rpc.RuntimePlugin
}

// handlePluginSync applies one plugin sync action. Actions on the same
// installed plugin are serialized by the host; load status is reported back
// to persistence by the host itself.
func (s *Server) handlePluginSync(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid runtime secret")
		return
	}

	var req pluginSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var err error
	switch req.Action {
	case "load":
		err = s.plugins.Load(r.Context(), req.RuntimePlugin)
	case "reload":
		err = s.plugins.Reload(r.Context(), req.RuntimePlugin)
	case "unload":
		s.plugins.Unload(r.Context(), req.RuntimePlugin)
	case "bootstrap":
		if req.WorkspaceID == "" {
			writeError(w, http.StatusBadRequest, "workspaceId is required for bootstrap")
			return
		}
		err = s.plugins.Bootstrap(r.Context(), req.WorkspaceID)
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}

	if err != nil {
		slog.Error("runtime.plugin_sync_failed",
			"action", req.Action, "installed", req.InstalledPluginID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
