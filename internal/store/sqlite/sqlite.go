// Package sqlite implements store.Store on SQLite for standalone installs.
// The schema is bootstrapped at open; no migration step is needed.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/clawrun/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS channels (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	plugin       TEXT NOT NULL,
	name         TEXT NOT NULL,
	config       TEXT NOT NULL DEFAULT '{}',
	enabled      INTEGER NOT NULL DEFAULT 1,
	created_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS routing_rules (
	id         TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL REFERENCES channels(id),
	priority   INTEGER NOT NULL,
	pattern    TEXT NOT NULL DEFAULT '*',
	agent_id   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS channel_sessions (
	id               TEXT PRIMARY KEY,
	channel_id       TEXT NOT NULL REFERENCES channels(id),
	workspace_id     TEXT NOT NULL,
	sender_id        TEXT NOT NULL,
	platform_chat_id TEXT NOT NULL,
	agent_id         TEXT NOT NULL,
	last_active_at   TIMESTAMP NOT NULL,
	UNIQUE (channel_id, sender_id, platform_chat_id)
);

CREATE TABLE IF NOT EXISTS channel_messages (
	id         TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL REFERENCES channels(id),
	session_id TEXT NOT NULL,
	direction  TEXT NOT NULL,
	sender     TEXT NOT NULL,
	chat_id    TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_channel_messages_content
	ON channel_messages(channel_id, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent webhook bursts.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) GetChannel(ctx context.Context, id string) (*store.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, plugin, name, config, enabled, created_at
		 FROM channels WHERE id = ?`, id)

	var ch store.Channel
	var configJSON string
	err := row.Scan(&ch.ID, &ch.WorkspaceID, &ch.Plugin, &ch.Name, &configJSON, &ch.Enabled, &ch.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), &ch.Config); err != nil {
			return nil, fmt.Errorf("decode channel config: %w", err)
		}
	}
	return &ch, nil
}

func (s *Store) CreateChannel(ctx context.Context, ch store.Channel) error {
	if ch.ID == "" {
		ch.ID = uuid.Must(uuid.NewV7()).String()
	}
	configJSON, err := json.Marshal(ch.Config)
	if err != nil {
		return fmt.Errorf("encode channel config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO channels (id, workspace_id, plugin, name, config, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.WorkspaceID, ch.Plugin, ch.Name, string(configJSON), ch.Enabled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

func (s *Store) ListRules(ctx context.Context, channelID string) ([]store.RoutingRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, priority, pattern, agent_id
		 FROM routing_rules WHERE channel_id = ? ORDER BY priority ASC`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []store.RoutingRule
	for rows.Next() {
		var r store.RoutingRule
		if err := rows.Scan(&r.ID, &r.ChannelID, &r.Priority, &r.Pattern, &r.AgentID); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *Store) CreateRule(ctx context.Context, rule store.RoutingRule) error {
	if rule.ID == "" {
		rule.ID = uuid.Must(uuid.NewV7()).String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routing_rules (id, channel_id, priority, pattern, agent_id)
		 VALUES (?, ?, ?, ?, ?)`,
		rule.ID, rule.ChannelID, rule.Priority, rule.Pattern, rule.AgentID)
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

func (s *Store) UpsertSession(ctx context.Context, sess store.ChannelSession) (*store.ChannelSession, error) {
	if sess.ID == "" {
		sess.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now().UTC()

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO channel_sessions
		   (id, channel_id, workspace_id, sender_id, platform_chat_id, agent_id, last_active_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (channel_id, sender_id, platform_chat_id)
		 DO UPDATE SET last_active_at = excluded.last_active_at
		 RETURNING id, channel_id, workspace_id, sender_id, platform_chat_id, agent_id, last_active_at`,
		sess.ID, sess.ChannelID, sess.WorkspaceID, sess.SenderID, sess.PlatformChatID, sess.AgentID, now)

	var out store.ChannelSession
	err := row.Scan(&out.ID, &out.ChannelID, &out.WorkspaceID, &out.SenderID,
		&out.PlatformChatID, &out.AgentID, &out.LastActiveAt)
	if err != nil {
		return nil, fmt.Errorf("upsert session: %w", err)
	}
	return &out, nil
}

func (s *Store) RecordMessage(ctx context.Context, msg store.ChannelMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_messages
		   (id, channel_id, session_id, direction, sender, chat_id, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChannelID, msg.SessionID, msg.Direction, msg.Sender, msg.ChatID, msg.Content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}

func (s *Store) SearchMessages(ctx context.Context, workspaceID, query string, limit int) ([]store.ChannelMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.channel_id, m.session_id, m.direction, m.sender, m.chat_id, m.content, m.created_at
		 FROM channel_messages m
		 JOIN channels c ON c.id = m.channel_id
		 WHERE c.workspace_id = ? AND lower(m.content) LIKE ?
		 ORDER BY m.created_at DESC
		 LIMIT ?`,
		workspaceID, "%"+strings.ToLower(query)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var msgs []store.ChannelMessage
	for rows.Next() {
		var m store.ChannelMessage
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.SessionID, &m.Direction,
			&m.Sender, &m.ChatID, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
