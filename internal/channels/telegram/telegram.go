// Package telegram implements the Telegram channel plugin: secret-token
// webhook verification, Update parsing and sends through telego.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/clawrun/internal/channels"
)

// Config keys: bot_token, secret_token (optional).

type Plugin struct{}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "telegram" }

// VerifyWebhook compares the secret token Telegram echoes back on every
// webhook delivery. Channels without a configured secret accept all.
func (p *Plugin) VerifyWebhook(body []byte, headers http.Header, cfg channels.Config) bool {
	want := cfg["secret_token"]
	if want == "" {
		return true
	}
	return headers.Get("X-Telegram-Bot-Api-Secret-Token") == want
}

// ParseMessage extracts the user message from an Update. Non-text updates
// and bot senders are ignored.
func (p *Plugin) ParseMessage(body []byte) (*channels.Message, error) {
	var update struct {
		Message *struct {
			MessageID       int    `json:"message_id"`
			Text            string `json:"text"`
			MessageThreadID int    `json:"message_thread_id"`
			From            *struct {
				ID    int64 `json:"id"`
				IsBot bool  `json:"is_bot"`
			} `json:"from"`
			Chat struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("parse telegram update: %w", err)
	}
	msg := update.Message
	if msg == nil || msg.Text == "" || msg.From == nil || msg.From.IsBot {
		return nil, nil
	}

	threadID := ""
	if msg.MessageThreadID != 0 {
		threadID = strconv.Itoa(msg.MessageThreadID)
	}
	return &channels.Message{
		Content:   msg.Text,
		Sender:    strconv.FormatInt(msg.From.ID, 10),
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		ThreadID:  threadID,
		MessageID: strconv.Itoa(msg.MessageID),
	}, nil
}

// SendMessage delivers text to a chat, into the forum topic when a thread
// id is given.
func (p *Plugin) SendMessage(ctx context.Context, chatID, text string, cfg channels.Config, threadID string) error {
	bot, err := newBot(cfg)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", chatID, err)
	}

	params := tu.Message(tu.ID(id), text)
	if threadID != "" {
		topic, err := strconv.Atoi(threadID)
		if err != nil {
			return fmt.Errorf("telegram: invalid thread id %q: %w", threadID, err)
		}
		params.MessageThreadID = topic
	}

	if _, err := bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// TestConnection validates the bot token with getMe.
func (p *Plugin) TestConnection(ctx context.Context, cfg channels.Config) error {
	bot, err := newBot(cfg)
	if err != nil {
		return err
	}
	if _, err := bot.GetMe(ctx); err != nil {
		return fmt.Errorf("telegram auth: %w", err)
	}
	return nil
}

func newBot(cfg channels.Config) (*telego.Bot, error) {
	token := cfg["bot_token"]
	if token == "" {
		return nil, fmt.Errorf("telegram: bot_token is not configured")
	}
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return bot, nil
}
