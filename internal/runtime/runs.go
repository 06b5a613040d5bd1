package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/nextlevelbuilder/clawrun/internal/broker"
	"github.com/nextlevelbuilder/clawrun/internal/rpc"
	"github.com/nextlevelbuilder/clawrun/pkg/protocol"
)

type createRunRequest struct {
	SessionID            string `json:"sessionId"`
	UserRequest          string `json:"userRequest"`
	CoordinatorAgentID   string `json:"coordinatorAgentId"`
	IdempotencyKey       string `json:"idempotencyKey,omitempty"`
	StartCandidateOffset int    `json:"startCandidateOffset,omitempty"`
	ResumeFromMessageID  string `json:"resumeFromMessageId,omitempty"`
	ResumeFromRunID      string `json:"resumeFromRunId,omitempty"`
	ResumeMode           string `json:"resumeMode,omitempty"`
}

type createRunResponse struct {
	RunID        string `json:"runId"`
	Deduplicated bool   `json:"deduplicated"`
}

// handleCreateRun creates (or deduplicates) an interactive run for a
// workspace. The Idempotency-Key header is accepted when the body carries no
// key.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceID")

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	if req.ResumeFromMessageID != "" || req.ResumeFromRunID != "" {
		if !s.resolveResume(w, r, workspaceID, &req) {
			return
		}
	}

	if req.SessionID == "" || req.UserRequest == "" || req.CoordinatorAgentID == "" {
		writeError(w, http.StatusBadRequest, "sessionId, userRequest and coordinatorAgentId are required")
		return
	}

	params := broker.RunParams{
		SessionID:            req.SessionID,
		WorkspaceID:          workspaceID,
		UserRequest:          req.UserRequest,
		CoordinatorAgentID:   req.CoordinatorAgentID,
		StartCandidateOffset: req.StartCandidateOffset,
	}

	runID, deduplicated, err := s.broker.CreateRuntimeRun(r.Context(), params, req.IdempotencyKey, fingerprint(workspaceID, req),
		func(ctx context.Context) (string, error) {
			return s.persist.CreateRun(ctx, rpc.CreateRunRequest{
				SessionID:   req.SessionID,
				WorkspaceID: workspaceID,
				AgentID:     req.CoordinatorAgentID,
				UserRequest: req.UserRequest,
			})
		})
	if errors.Is(err, broker.ErrIdempotencyConflict) {
		writeError(w, http.StatusConflict, "IDEMPOTENCY_CONFLICT")
		return
	}
	if err != nil {
		slog.Error("runtime.run_create_failed", "workspace", workspaceID, "error", err)
		writeError(w, http.StatusInternalServerError, "run creation failed")
		return
	}

	if !deduplicated {
		if err := s.broker.StartRun(runID, s.starter()); err != nil {
			slog.Error("runtime.run_start_failed", "run", runID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, createRunResponse{RunID: runID, Deduplicated: deduplicated})
}

// resolveResume fills the empty create fields from the resolved continue
// context. Returns false after writing the error response.
func (s *Server) resolveResume(w http.ResponseWriter, r *http.Request, workspaceID string, req *createRunRequest) bool {
	var (
		cc  *rpc.ContinueContext
		err error
	)
	if req.ResumeFromMessageID != "" {
		cc, err = s.persist.GetContinueContextByMessage(r.Context(), req.ResumeFromMessageID)
	} else {
		cc, err = s.persist.GetContinueContextByRun(r.Context(), req.ResumeFromRunID)
	}
	switch {
	case rpc.IsNotFound(err):
		writeError(w, http.StatusNotFound, "resume context not found")
		return false
	case rpc.IsInvalidArgument(err):
		writeError(w, http.StatusBadRequest, "invalid resume reference")
		return false
	case err != nil:
		slog.Error("runtime.resume_lookup_failed", "workspace", workspaceID, "error", err)
		writeError(w, http.StatusInternalServerError, "resume lookup failed")
		return false
	}
	// The resolved context must belong to the addressed workspace.
	if cc.WorkspaceID != "" && cc.WorkspaceID != workspaceID {
		writeError(w, http.StatusNotFound, "resume context not found")
		return false
	}
	if req.SessionID == "" {
		req.SessionID = cc.SessionID
	}
	if req.CoordinatorAgentID == "" {
		req.CoordinatorAgentID = cc.AgentID
	}
	return true
}

// fingerprint hashes the request for idempotency comparison. The key itself
// is excluded so a retry carrying the key in the header and in the body
// fingerprints identically.
func fingerprint(workspaceID string, req createRunRequest) string {
	req.IdempotencyKey = ""
	data, _ := json.Marshal(req)
	sum := sha256.Sum256(append([]byte(workspaceID+"|"), data...))
	return hex.EncodeToString(sum[:])
}

// handleStream serves the run's event stream as SSE with replay-from-cursor.
// The first frame is a snapshot comment carrying the truncated flag; the
// stream closes after the terminal event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runID")

	var cursor uint64
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = parsed
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	frames := make(chan protocol.Envelope, 64)
	sub, err := s.broker.Subscribe(runID, func(env protocol.Envelope) {
		select {
		case frames <- env:
		case <-ctx.Done():
		}
	}, cursor)
	if errors.Is(err, broker.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "unknown run")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snap, _ := json.Marshal(map[string]any{
		"state":     sub.Snapshot.State,
		"lastSeq":   sub.Snapshot.LastSeq,
		"truncated": sub.Truncated,
	})
	fmt.Fprintf(w, ": snapshot %s\n\n", snap)
	flusher.Flush()

	// Terminal run with nothing left to replay: the caller already has the
	// full tail, nothing more will arrive.
	if sub.Snapshot.Terminal && sub.Replayed == 0 {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-frames:
			data, err := json.Marshal(env)
			if err != nil {
				slog.Warn("runtime.stream_encode_failed", "run", runID, "seq", env.Seq, "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", env.Seq, data)
			flusher.Flush()
			if env.Event != nil && protocol.IsTerminal(env.Event.Kind()) {
				return
			}
		}
	}
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runID")
	if s.broker.GetSnapshot(runID) == nil {
		writeError(w, http.StatusNotFound, "unknown run")
		return
	}

	var req cancelRequest
	json.NewDecoder(r.Body).Decode(&req)

	cancelled := s.broker.Cancel(runID, req.Reason)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": cancelled})
}
