// Package slack implements the Slack channel plugin: v0 signing-secret
// webhook verification, url_verification challenge, event_callback parsing
// and chat.postMessage delivery.
package slack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/clawrun/internal/channels"
)

const (
	defaultAPIBase = "https://slack.com/api"

	// signatureMaxSkew rejects replayed webhooks with stale timestamps.
	signatureMaxSkew = 5 * time.Minute
)

// Config keys: signing_secret, bot_token, api_base (optional, for tests).

type Plugin struct {
	// now is overridable for signature expiry tests.
	now func() time.Time
}

func New() *Plugin { return &Plugin{now: time.Now} }

func (p *Plugin) Name() string { return "slack" }

// VerifyWebhook checks the v0 request signature:
// HMAC-SHA256(signing_secret, "v0:<timestamp>:<body>").
func (p *Plugin) VerifyWebhook(body []byte, headers http.Header, cfg channels.Config) bool {
	secret := cfg["signing_secret"]
	if secret == "" {
		return false
	}

	tsHeader := headers.Get("X-Slack-Request-Timestamp")
	signature := headers.Get("X-Slack-Signature")
	if tsHeader == "" || signature == "" {
		return false
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return false
	}
	skew := p.now().Sub(time.Unix(ts, 0))
	if skew > signatureMaxSkew || skew < -signatureMaxSkew {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:", tsHeader)
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// HandleChallenge answers the url_verification handshake with the
// challenge string.
func (p *Plugin) HandleChallenge(body []byte, cfg channels.Config) []byte {
	var payload struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	if payload.Type != "url_verification" || payload.Challenge == "" {
		return nil
	}
	return []byte(payload.Challenge)
}

// ParseMessage extracts user messages from event_callback payloads. Bot
// messages and non-message events are ignored.
func (p *Plugin) ParseMessage(body []byte) (*channels.Message, error) {
	var payload struct {
		Type  string `json:"type"`
		Event struct {
			Type     string `json:"type"`
			Subtype  string `json:"subtype"`
			BotID    string `json:"bot_id"`
			Text     string `json:"text"`
			User     string `json:"user"`
			Channel  string `json:"channel"`
			TS       string `json:"ts"`
			ThreadTS string `json:"thread_ts"`
		} `json:"event"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse slack event: %w", err)
	}
	if payload.Type != "event_callback" || payload.Event.Type != "message" {
		return nil, nil
	}
	if payload.Event.BotID != "" || payload.Event.Subtype != "" || payload.Event.User == "" {
		return nil, nil
	}

	return &channels.Message{
		Content:   payload.Event.Text,
		Sender:    payload.Event.User,
		ChatID:    payload.Event.Channel,
		ThreadID:  payload.Event.ThreadTS,
		MessageID: payload.Event.TS,
	}, nil
}

// SendMessage posts text via chat.postMessage, threading when a thread_ts
// is given.
func (p *Plugin) SendMessage(ctx context.Context, chatID, text string, cfg channels.Config, threadID string) error {
	payload := map[string]string{
		"channel": chatID,
		"text":    text,
	}
	if threadID != "" {
		payload["thread_ts"] = threadID
	}
	return p.callAPI(ctx, cfg, "chat.postMessage", payload)
}

// TestConnection validates the bot token against auth.test.
func (p *Plugin) TestConnection(ctx context.Context, cfg channels.Config) error {
	return p.callAPI(ctx, cfg, "auth.test", map[string]string{})
}

func (p *Plugin) callAPI(ctx context.Context, cfg channels.Config, method string, payload map[string]string) error {
	token := cfg["bot_token"]
	if token == "" {
		return fmt.Errorf("slack: bot_token is not configured")
	}
	apiBase := cfg["api_base"]
	if apiBase == "" {
		apiBase = defaultAPIBase
	}

	data, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/"+method, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("slack %s decode: %w", method, err)
	}
	if !result.OK {
		return fmt.Errorf("slack %s failed: %s", method, result.Error)
	}
	return nil
}
