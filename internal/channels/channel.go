// Package channels defines the capability interface for chat-channel
// plugins and the registry the gateway resolves them from. A plugin knows
// how to verify a platform's webhooks and parse its messages; challenge
// handshakes and outbound sends are optional capabilities expressed as
// narrower interfaces.
package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// ErrSendUnimplemented is returned when an outbound send targets a plugin
// without the Sender capability.
var ErrSendUnimplemented = errors.New("channel plugin does not implement SendMessage")

// Config is the per-channel plugin configuration stored on the channel
// record (tokens, secrets, app ids).
type Config map[string]string

// Message is the normalized inbound message a plugin extracts from a
// webhook body. A nil Message from ParseMessage means the payload is not a
// user message and should be ignored.
type Message struct {
	Content   string
	Sender    string
	ChatID    string
	ThreadID  string
	MessageID string
}

// Plugin is the capability set every channel implementation provides.
type Plugin interface {
	Name() string

	// VerifyWebhook authenticates an inbound webhook from raw body and
	// headers. False means the gateway answers 401.
	VerifyWebhook(body []byte, headers http.Header, cfg Config) bool

	// ParseMessage extracts the user message, or (nil, nil) for payloads
	// that carry no user message (edits, bot echoes, status events).
	ParseMessage(body []byte) (*Message, error)

	// TestConnection checks the configured credentials against the
	// platform API.
	TestConnection(ctx context.Context, cfg Config) error
}

// ChallengeHandler is implemented by platforms with a URL verification
// handshake. A non-nil response is written back verbatim and the webhook
// is not processed further.
type ChallengeHandler interface {
	HandleChallenge(body []byte, cfg Config) []byte
}

// Sender is the optional outbound capability. Sends to plugins without it
// fail with ErrSendUnimplemented.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string, cfg Config, threadID string) error
}

// Registry maps plugin names to implementations.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.Name()]; exists {
		return fmt.Errorf("channel plugin %q already registered", p.Name())
	}
	r.plugins[p.Name()] = p
	return nil
}

func (r *Registry) Lookup(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Names returns the registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Truncate shortens a string to maxLen for log previews.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
