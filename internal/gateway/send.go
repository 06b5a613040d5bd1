package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/clawrun/internal/channels"
	"github.com/nextlevelbuilder/clawrun/internal/store"
)

// sendRequest is the outbound reply body posted by the runtime.
type sendRequest struct {
	ChatID   string `json:"chatId"`
	Text     string `json:"text"`
	ThreadID string `json:"threadId,omitempty"`
}

// handleSend delivers a reply through the channel's plugin. Plugins
// without the Sender capability answer 501.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid runtime secret")
		return
	}

	channelID := r.PathValue("channelID")
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

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ChatID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "chatId and text are required")
		return
	}

	plugin, ok := s.plugins.Lookup(ch.Plugin)
	if !ok {
		writeError(w, http.StatusInternalServerError, "channel plugin unavailable")
		return
	}
	sender, ok := plugin.(channels.Sender)
	if !ok {
		writeError(w, http.StatusNotImplemented, channels.ErrSendUnimplemented.Error())
		return
	}

	if err := s.sendLimiter(channelID).Wait(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "send pacing interrupted")
		return
	}

	if err := sender.SendMessage(r.Context(), req.ChatID, req.Text, channels.Config(ch.Config), req.ThreadID); err != nil {
		slog.Error("gateway.send_failed", "channel", channelID, "error", err)
		writeError(w, http.StatusBadGateway, "delivery failed")
		return
	}

	if err := s.store.RecordMessage(r.Context(), store.ChannelMessage{
		ChannelID: channelID,
		Direction: store.DirectionOutbound,
		Sender:    "agent",
		ChatID:    req.ChatID,
		Content:   req.Text,
	}); err != nil {
		slog.Warn("gateway.outbound_record_failed", "channel", channelID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
