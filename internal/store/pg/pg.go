// Package pg implements store.Store on Postgres (managed mode). Schema is
// owned by `clawrun migrate` over migrations/.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/clawrun/internal/store"
)

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) GetChannel(ctx context.Context, id string) (*store.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, plugin, name, config, enabled, created_at
		 FROM channels WHERE id = $1`, id)

	var ch store.Channel
	var configJSON []byte
	err := row.Scan(&ch.ID, &ch.WorkspaceID, &ch.Plugin, &ch.Name, &configJSON, &ch.Enabled, &ch.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &ch.Config); err != nil {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ch.ID, ch.WorkspaceID, ch.Plugin, ch.Name, configJSON, ch.Enabled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

func (s *Store) ListRules(ctx context.Context, channelID string) ([]store.RoutingRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, priority, pattern, agent_id
		 FROM routing_rules WHERE channel_id = $1 ORDER BY priority ASC`, channelID)
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
		 VALUES ($1, $2, $3, $4, $5)`,
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (channel_id, sender_id, platform_chat_id)
		 DO UPDATE SET last_active_at = EXCLUDED.last_active_at
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
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
		 WHERE c.workspace_id = $1 AND m.content ILIKE '%' || $2 || '%'
		 ORDER BY m.created_at DESC
		 LIMIT $3`,
		workspaceID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]store.ChannelMessage, error) {
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
