package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/clawrun/internal/channels"
	"github.com/nextlevelbuilder/clawrun/internal/store"
)

// maxWebhookBody bounds inbound payloads.
const maxWebhookBody = 1 << 20

// ChannelRunRequest is the dispatch body posted to the runtime's
// /channel-run endpoint.
type ChannelRunRequest struct {
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

// handleWebhook runs the ingress pipeline: challenge, verify, parse, route,
// session upsert, fire-and-forget dispatch.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelID")

	if !s.webhookLimiter.Allow(channelID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ch, err := s.store.GetChannel(r.Context(), channelID)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}
	if err != nil {
		slog.Error("gateway.channel_load_failed", "channel", channelID, "error", err)
		writeError(w, http.StatusInternalServerError, "channel lookup failed")
		return
	}
	if !ch.Enabled {
		writeError(w, http.StatusNotFound, "channel disabled")
		return
	}

	plugin, ok := s.plugins.Lookup(ch.Plugin)
	if !ok {
		slog.Error("gateway.plugin_missing", "channel", channelID, "plugin", ch.Plugin)
		writeError(w, http.StatusInternalServerError, "channel plugin unavailable")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	cfg := channels.Config(ch.Config)

	// Platform URL-verification handshakes are answered verbatim before
	// signature checks; they carry the proof themselves.
	if challenger, ok := plugin.(channels.ChallengeHandler); ok {
		if resp := challenger.HandleChallenge(body, cfg); resp != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(resp)
			return
		}
	}

	if !plugin.VerifyWebhook(body, r.Header, cfg) {
		slog.Warn("gateway.webhook_rejected", "channel", channelID, "plugin", ch.Plugin)
		writeError(w, http.StatusUnauthorized, "webhook verification failed")
		return
	}

	msg, err := plugin.ParseMessage(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unparseable payload")
		return
	}
	if msg == nil {
		// Not a user message: acknowledged and dropped.
		writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
		return
	}

	rule, ok, err := s.matchRule(r.Context(), channelID, msg.Content)
	if err != nil {
		slog.Error("gateway.rules_load_failed", "channel", channelID, "error", err)
		writeError(w, http.StatusInternalServerError, "routing failed")
		return
	}
	if !ok {
		slog.Debug("gateway.no_rule_matched", "channel", channelID,
			"preview", channels.Truncate(msg.Content, 50))
		writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
		return
	}

	sess, err := s.store.UpsertSession(r.Context(), store.ChannelSession{
		ChannelID:      channelID,
		WorkspaceID:    ch.WorkspaceID,
		SenderID:       msg.Sender,
		PlatformChatID: msg.ChatID,
		AgentID:        rule.AgentID,
	})
	if err != nil {
		slog.Error("gateway.session_upsert_failed", "channel", channelID, "error", err)
		writeError(w, http.StatusInternalServerError, "session upsert failed")
		return
	}

	if err := s.store.RecordMessage(r.Context(), store.ChannelMessage{
		ChannelID: channelID,
		SessionID: sess.ID,
		Direction: store.DirectionInbound,
		Sender:    msg.Sender,
		ChatID:    msg.ChatID,
		Content:   msg.Content,
	}); err != nil {
		slog.Warn("gateway.inbound_record_failed", "channel", channelID, "error", err)
	}

	// Dispatch is fire-and-forget: the platform gets its ack now, run
	// failures are logged only.
	go s.dispatchChannelRun(ChannelRunRequest{
		SessionID:   sess.ID,
		ChannelID:   channelID,
		AgentID:     sess.AgentID,
		WorkspaceID: ch.WorkspaceID,
		Message:     msg.Content,
		Sender:      msg.Sender,
		ChatID:      msg.ChatID,
		ThreadID:    msg.ThreadID,
		MessageID:   msg.MessageID,
	})

	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

// matchRule evaluates the channel's routing rules in priority order.
func (s *Server) matchRule(ctx context.Context, channelID, content string) (store.RoutingRule, bool, error) {
	rules, err := s.store.ListRules(ctx, channelID)
	if err != nil {
		return store.RoutingRule{}, false, err
	}
	for _, rule := range rules {
		if rule.Matches(content) {
			return rule, true, nil
		}
	}
	return store.RoutingRule{}, false, nil
}

func (s *Server) dispatchChannelRun(req ChannelRunRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.RuntimeAddr+"/channel-run", bytes.NewReader(payload))
	if err != nil {
		slog.Error("gateway.dispatch_failed", "channel", req.ChannelID, "error", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Runtime-Secret", s.runtimeSecret)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		slog.Error("gateway.dispatch_failed", "channel", req.ChannelID, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		slog.Error("gateway.dispatch_rejected", "channel", req.ChannelID, "status", resp.StatusCode)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
