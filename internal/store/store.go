// Package store defines the gateway's persistence interface: channel
// records, routing rules, channel sessions and the inbound/outbound
// message log. Postgres backs managed deployments, SQLite standalone ones.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned for lookups of unknown records.
var ErrNotFound = errors.New("record not found")

// Channel is a configured chat-channel endpoint. Config carries the
// plugin-specific credentials (tokens, secrets, app ids).
type Channel struct {
	ID          string
	WorkspaceID string
	Plugin      string // channel plugin name: feishu, slack, discord, telegram, webchat
	Name        string
	Config      map[string]string
	Enabled     bool
	CreatedAt   time.Time
}

// RoutingRule binds inbound messages on a channel to an agent. Rules are
// evaluated in ascending priority order; the first match wins.
type RoutingRule struct {
	ID        string
	ChannelID string
	Priority  int
	Pattern   string // "*" or a case-insensitive substring of the content
	AgentID   string
}

// Matches reports whether the rule applies to the message content.
func (r RoutingRule) Matches(content string) bool {
	if r.Pattern == "" || r.Pattern == "*" {
		return true
	}
	return strings.Contains(strings.ToLower(content), strings.ToLower(r.Pattern))
}

// ChannelSession is the persistent binding from a platform user+chat to an
// agent. Unique by (ChannelID, SenderID, PlatformChatID).
type ChannelSession struct {
	ID             string
	ChannelID      string
	WorkspaceID    string
	SenderID       string
	PlatformChatID string
	AgentID        string
	LastActiveAt   time.Time
}

// Direction of a recorded channel message.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// ChannelMessage is one recorded inbound or outbound message.
type ChannelMessage struct {
	ID        string
	ChannelID string
	SessionID string
	Direction string
	Sender    string
	ChatID    string
	Content   string
	CreatedAt time.Time
}

// Store is the gateway persistence interface.
type Store interface {
	GetChannel(ctx context.Context, id string) (*Channel, error)
	CreateChannel(ctx context.Context, ch Channel) error

	// ListRules returns the channel's routing rules in priority order.
	ListRules(ctx context.Context, channelID string) ([]RoutingRule, error)
	CreateRule(ctx context.Context, rule RoutingRule) error

	// UpsertSession creates the session on first contact or refreshes
	// LastActiveAt on a repeat (ChannelID, SenderID, PlatformChatID) key.
	// The stored session is returned either way.
	UpsertSession(ctx context.Context, s ChannelSession) (*ChannelSession, error)

	RecordMessage(ctx context.Context, msg ChannelMessage) error

	// SearchMessages finds recorded messages whose content contains the
	// query, newest first. Backs the knowledge_search builtin.
	SearchMessages(ctx context.Context, workspaceID, query string, limit int) ([]ChannelMessage, error)

	Close() error
}
