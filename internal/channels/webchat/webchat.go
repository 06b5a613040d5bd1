// Package webchat implements the built-in web chat channel. Inbound
// messages arrive as plain webhook posts from the web client; outbound
// replies are pushed to browsers connected over a websocket hub.
package webchat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawrun/internal/channels"
)

// Config keys: token (optional shared secret for inbound posts).

type Plugin struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string][]*websocket.Conn // chatID -> open sockets
}

func New() *Plugin {
	return &Plugin{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The web client is same-deployment; origin filtering is the
			// reverse proxy's job.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string][]*websocket.Conn),
	}
}

func (p *Plugin) Name() string { return "webchat" }

// VerifyWebhook checks the shared token when one is configured.
func (p *Plugin) VerifyWebhook(body []byte, headers http.Header, cfg channels.Config) bool {
	want := cfg["token"]
	if want == "" {
		return true
	}
	return headers.Get("X-Webchat-Token") == want
}

// ParseMessage reads the web client's message post.
func (p *Plugin) ParseMessage(body []byte) (*channels.Message, error) {
	var payload struct {
		Content   string `json:"content"`
		Sender    string `json:"sender"`
		ChatID    string `json:"chatId"`
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse webchat message: %w", err)
	}
	if payload.Content == "" || payload.ChatID == "" {
		return nil, nil
	}
	if payload.Sender == "" {
		payload.Sender = "anonymous"
	}
	return &channels.Message{
		Content:   payload.Content,
		Sender:    payload.Sender,
		ChatID:    payload.ChatID,
		MessageID: payload.MessageID,
	}, nil
}

// SendMessage pushes the reply to every socket attached to the chat.
func (p *Plugin) SendMessage(ctx context.Context, chatID, text string, cfg channels.Config, threadID string) error {
	frame, _ := json.Marshal(map[string]string{
		"chatId": chatID,
		"text":   text,
	})

	p.mu.Lock()
	conns := append([]*websocket.Conn(nil), p.conns[chatID]...)
	p.mu.Unlock()

	if len(conns) == 0 {
		return fmt.Errorf("webchat: no client connected for chat %s", chatID)
	}

	var lastErr error
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			lastErr = err
			p.detach(chatID, conn)
		}
	}
	return lastErr
}

// TestConnection is a no-op: webchat has no external credentials.
func (p *Plugin) TestConnection(ctx context.Context, cfg channels.Config) error {
	return nil
}

// HandleSocket upgrades an HTTP request to a websocket and keeps it
// attached to the chat until the client disconnects. Blocks until then.
func (p *Plugin) HandleSocket(w http.ResponseWriter, r *http.Request, chatID string) error {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("webchat upgrade: %w", err)
	}

	p.mu.Lock()
	p.conns[chatID] = append(p.conns[chatID], conn)
	p.mu.Unlock()
	slog.Debug("webchat.client_attached", "chat", chatID)

	defer func() {
		p.detach(chatID, conn)
		conn.Close()
	}()

	// Reads are drained only to detect disconnects; inbound messages go
	// through the webhook path.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}

func (p *Plugin) detach(chatID string, conn *websocket.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.conns[chatID]
	for i, c := range conns {
		if c == conn {
			p.conns[chatID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(p.conns[chatID]) == 0 {
		delete(p.conns, chatID)
	}
}
