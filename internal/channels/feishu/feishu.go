// Package feishu implements the Feishu/Lark channel plugin: URL
// verification challenge, verification-token webhook auth, im.message
// event parsing and outbound sends through the tenant-token REST API.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nextlevelbuilder/clawrun/internal/channels"
)

const defaultBaseURL = "https://open.feishu.cn"

// Config keys: app_id, app_secret, verification_token, base_url (optional).

type Plugin struct{}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "feishu" }

// HandleChallenge answers the url_verification handshake Feishu sends when
// a webhook endpoint is registered.
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
	resp, _ := json.Marshal(map[string]string{"challenge": payload.Challenge})
	return resp
}

// VerifyWebhook checks the event's verification token against the channel
// config. A channel without a configured token accepts everything.
func (p *Plugin) VerifyWebhook(body []byte, headers http.Header, cfg channels.Config) bool {
	want := cfg["verification_token"]
	if want == "" {
		return true
	}
	var payload struct {
		Token  string `json:"token"`
		Header struct {
			Token string `json:"token"`
		} `json:"header"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	// Schema 2.0 carries the token under header; 1.0 at top level.
	got := payload.Header.Token
	if got == "" {
		got = payload.Token
	}
	return got == want
}

// ParseMessage extracts the user message from an im.message.receive_v1
// event. Other event types are ignored.
func (p *Plugin) ParseMessage(body []byte) (*channels.Message, error) {
	var event struct {
		Header struct {
			EventType string `json:"event_type"`
		} `json:"header"`
		Event struct {
			Sender struct {
				SenderID struct {
					OpenID string `json:"open_id"`
				} `json:"sender_id"`
			} `json:"sender"`
			Message struct {
				MessageID   string `json:"message_id"`
				RootID      string `json:"root_id"`
				ChatID      string `json:"chat_id"`
				MessageType string `json:"message_type"`
				Content     string `json:"content"`
			} `json:"message"`
		} `json:"event"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("parse feishu event: %w", err)
	}
	if event.Header.EventType != "im.message.receive_v1" {
		return nil, nil
	}
	msg := event.Event.Message
	if msg.MessageID == "" || msg.ChatID == "" {
		return nil, nil
	}

	return &channels.Message{
		Content:   parseContent(msg.Content, msg.MessageType),
		Sender:    event.Event.Sender.SenderID.OpenID,
		ChatID:    msg.ChatID,
		ThreadID:  msg.RootID,
		MessageID: msg.MessageID,
	}, nil
}

// SendMessage delivers text to a chat, replying in-thread when a thread id
// is present.
func (p *Plugin) SendMessage(ctx context.Context, chatID, text string, cfg channels.Config, threadID string) error {
	client := newLarkClient(cfg["app_id"], cfg["app_secret"], baseURL(cfg))
	content, _ := json.Marshal(map[string]string{"text": text})

	if threadID != "" {
		return client.replyMessage(ctx, threadID, string(content))
	}
	return client.sendMessage(ctx, chatID, string(content))
}

// TestConnection validates the app credentials by requesting a tenant
// access token.
func (p *Plugin) TestConnection(ctx context.Context, cfg channels.Config) error {
	client := newLarkClient(cfg["app_id"], cfg["app_secret"], baseURL(cfg))
	_, err := client.getToken(ctx)
	return err
}

func baseURL(cfg channels.Config) string {
	if u := cfg["base_url"]; u != "" {
		return u
	}
	return defaultBaseURL
}

// parseContent flattens the platform content JSON to plain text. Non-text
// message types become placeholders.
func parseContent(raw, messageType string) string {
	if raw == "" {
		return ""
	}
	switch messageType {
	case "text":
		var textMsg struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(raw), &textMsg); err == nil {
			return textMsg.Text
		}
		return raw
	case "image":
		return "[image]"
	case "file":
		var fileMsg struct {
			FileName string `json:"file_name"`
		}
		if err := json.Unmarshal([]byte(raw), &fileMsg); err == nil && fileMsg.FileName != "" {
			return fmt.Sprintf("[file: %s]", fileMsg.FileName)
		}
		return "[file]"
	default:
		return fmt.Sprintf("[%s message]", messageType)
	}
}
