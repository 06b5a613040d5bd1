// Package discord implements the Discord channel plugin: ed25519
// interaction signature verification, ping challenge, message parsing and
// REST delivery through discordgo.
package discord

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/clawrun/internal/channels"
)

// interactionPing is Discord's endpoint-liveness handshake type.
const interactionPing = 1

// Config keys: public_key (hex), bot_token.

type Plugin struct{}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "discord" }

// VerifyWebhook checks the ed25519 signature Discord attaches to every
// interaction: sign(timestamp + body) against the application public key.
func (p *Plugin) VerifyWebhook(body []byte, headers http.Header, cfg channels.Config) bool {
	keyHex := cfg["public_key"]
	if keyHex == "" {
		return false
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return false
	}

	sigHex := headers.Get("X-Signature-Ed25519")
	timestamp := headers.Get("X-Signature-Timestamp")
	if sigHex == "" || timestamp == "" {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}

	msg := make([]byte, 0, len(timestamp)+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, body...)
	return ed25519.Verify(ed25519.PublicKey(key), msg, sig)
}

// HandleChallenge answers interaction pings with a pong.
func (p *Plugin) HandleChallenge(body []byte, cfg channels.Config) []byte {
	var payload struct {
		Type int `json:"type"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	if payload.Type != interactionPing {
		return nil
	}
	return []byte(`{"type":1}`)
}

// ParseMessage extracts a user message from a message-create payload. Bot
// authors and empty content are ignored.
func (p *Plugin) ParseMessage(body []byte) (*channels.Message, error) {
	var payload struct {
		ID        string `json:"id"`
		Content   string `json:"content"`
		ChannelID string `json:"channel_id"`
		Author    struct {
			ID  string `json:"id"`
			Bot bool   `json:"bot"`
		} `json:"author"`
		Thread *struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse discord message: %w", err)
	}
	if payload.Content == "" || payload.Author.ID == "" || payload.Author.Bot {
		return nil, nil
	}

	threadID := ""
	if payload.Thread != nil {
		threadID = payload.Thread.ID
	}
	return &channels.Message{
		Content:   payload.Content,
		Sender:    payload.Author.ID,
		ChatID:    payload.ChannelID,
		ThreadID:  threadID,
		MessageID: payload.ID,
	}, nil
}

// SendMessage delivers text over the REST API. The session is stateless,
// no gateway connection is opened.
func (p *Plugin) SendMessage(ctx context.Context, chatID, text string, cfg channels.Config, threadID string) error {
	session, err := newSession(cfg)
	if err != nil {
		return err
	}
	target := chatID
	if threadID != "" {
		target = threadID
	}
	if _, err := session.ChannelMessageSend(target, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// TestConnection validates the bot token by fetching the bot user.
func (p *Plugin) TestConnection(ctx context.Context, cfg channels.Config) error {
	session, err := newSession(cfg)
	if err != nil {
		return err
	}
	if _, err := session.User("@me", discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord auth: %w", err)
	}
	return nil
}

func newSession(cfg channels.Config) (*discordgo.Session, error) {
	token := cfg["bot_token"]
	if token == "" {
		return nil, fmt.Errorf("discord: bot_token is not configured")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return session, nil
}
