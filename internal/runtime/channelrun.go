package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/clawrun/internal/broker"
	"github.com/nextlevelbuilder/clawrun/internal/rpc"
	"github.com/nextlevelbuilder/clawrun/pkg/protocol"
)

// channelRunRequest is the dispatch body the gateway posts for an inbound
// channel message.
type channelRunRequest struct {
	SessionID   string `json:"sessionId"`
	ChannelID   string `json:"channelId"`
	AgentID     string `json:"agentId"`
	WorkspaceID string `json:"workspaceId"`
	Message     string `json:"message"`
	Sender      string `json:"sender,omitempty"`
	ChatID      string `json:"chatId"`
	ThreadID    string `json:"threadId,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
}

// handleChannelRun accepts a channel-dispatched run and acknowledges
// immediately; the run and the reply delivery continue in the background.
func (s *Server) handleChannelRun(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid runtime secret")
		return
	}

	var req channelRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" || req.ChannelID == "" || req.AgentID == "" ||
		req.WorkspaceID == "" || req.Message == "" || req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "sessionId, channelId, agentId, workspaceId, message and chatId are required")
		return
	}

	params := broker.RunParams{
		SessionID:          req.SessionID,
		WorkspaceID:        req.WorkspaceID,
		UserRequest:        req.Message,
		CoordinatorAgentID: req.AgentID,
		ChannelID:          req.ChannelID,
		ChatID:             req.ChatID,
		ThreadID:           req.ThreadID,
	}

	// The platform message id doubles as the idempotency key so webhook
	// redeliveries do not spawn duplicate runs.
	runID, deduplicated, err := s.broker.CreateRuntimeRun(r.Context(), params, req.MessageID, channelFingerprint(req),
		func(ctx context.Context) (string, error) {
			return s.persist.CreateRun(ctx, rpc.CreateRunRequest{
				SessionID:   req.SessionID,
				WorkspaceID: req.WorkspaceID,
				AgentID:     req.AgentID,
				UserRequest: req.Message,
				ChannelID:   req.ChannelID,
			})
		})
	if err != nil {
		slog.Error("runtime.channel_run_create_failed", "channel", req.ChannelID, "error", err)
		writeError(w, http.StatusInternalServerError, "run creation failed")
		return
	}

	if !deduplicated {
		s.attachReplyCollector(runID, req)
		if err := s.broker.StartRun(runID, s.starter()); err != nil {
			slog.Error("runtime.run_start_failed", "run", runID, "error", err)
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func channelFingerprint(req channelRunRequest) string {
	return req.ChannelID + "|" + req.ChatID + "|" + req.Message
}

// attachReplyCollector subscribes to the run and, once it terminates,
// delivers the final assistant message back through the gateway's send
// endpoint. Failed runs produce no reply.
func (s *Server) attachReplyCollector(runID string, req channelRunRequest) {
	var (
		buf    strings.Builder
		failed bool
	)

	// The broker may invoke emit (replay included) before Subscribe returns,
	// so the unsubscribe func is handed to the Done branch through a channel
	// instead of a closure variable assigned afterwards.
	unsubCh := make(chan func(), 1)

	emit := func(env protocol.Envelope) {
		switch ev := env.Event.(type) {
		case protocol.MessageStart:
			// Only the last message (the coordinator's answer) is replied.
			buf.Reset()
		case protocol.TextDelta:
			buf.WriteString(ev.Delta)
		case protocol.Error:
			failed = true
		case protocol.Done:
			text := strings.TrimSpace(buf.String())
			runFailed := failed
			go func() {
				unsubscribe := <-unsubCh
				defer unsubscribe()
				if runFailed {
					slog.Warn("runtime.channel_run_failed", "run", runID, "channel", req.ChannelID)
					return
				}
				if text == "" {
					return
				}
				s.deliverChannelReply(runID, req, text)
			}()
		}
	}

	sub, err := s.broker.Subscribe(runID, emit, 0)
	if err != nil {
		slog.Error("runtime.reply_subscribe_failed", "run", runID, "error", err)
		return
	}
	unsubCh <- sub.Unsubscribe
}

// deliverChannelReply posts the reply to the gateway's per-channel send
// endpoint.
func (s *Server) deliverChannelReply(runID string, req channelRunRequest, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ChannelSendTimeout)
	defer cancel()

	payload, _ := json.Marshal(map[string]string{
		"chatId":   req.ChatID,
		"text":     text,
		"threadId": req.ThreadID,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.GatewayAddr+"/channels/"+req.ChannelID+"/send", bytes.NewReader(payload))
	if err != nil {
		slog.Error("runtime.channel_reply_failed", "run", runID, "channel", req.ChannelID, "error", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Runtime-Secret", s.cfg.Secret)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		slog.Error("runtime.channel_reply_failed", "run", runID, "channel", req.ChannelID, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Error("runtime.channel_reply_rejected", "run", runID, "channel", req.ChannelID, "status", resp.StatusCode)
		return
	}
	slog.Info("runtime.channel_reply_sent", "run", runID, "channel", req.ChannelID, "chat", req.ChatID)
}
