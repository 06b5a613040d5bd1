// Package websearch implements the gateway-side search providers behind
// POST /web-search. The runtime's web_search tool calls the gateway, which
// queries whichever provider is configured: Brave when an API key is set,
// DuckDuckGo's HTML endpoint otherwise.
package websearch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/clawrun/internal/config"
)

const (
	defaultResultCount = 5
	maxResultCount     = 10

	searchUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Result is one search hit in the shape the /web-search response uses.
type Result struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Provider abstracts a search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, count int) ([]Result, error)
}

// Service runs a query against the configured providers in order, falling
// back to the next one when a provider errors.
type Service struct {
	providers  []Provider
	maxResults int
}

// NewService builds the provider chain from config. Brave is only added
// when an API key is present; DuckDuckGo needs no credentials and serves
// as the fallback.
func NewService(cfg config.WebSearchConfig) *Service {
	maxResults := cfg.MaxResults
	if maxResults <= 0 || maxResults > maxResultCount {
		maxResults = defaultResultCount
	}

	var providers []Provider
	if strings.EqualFold(cfg.Provider, "brave") && cfg.BraveAPIKey != "" {
		providers = append(providers, NewBraveProvider(cfg.BraveAPIKey))
	}
	providers = append(providers, NewDuckDuckGoProvider())

	return &Service{providers: providers, maxResults: maxResults}
}

// Search queries the provider chain. Count is clamped to the configured
// maximum; zero means the default.
func (s *Service) Search(ctx context.Context, query string, count int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if count <= 0 {
		count = defaultResultCount
	}
	if count > s.maxResults {
		count = s.maxResults
	}

	var lastErr error
	for _, p := range s.providers {
		results, err := p.Search(ctx, query, count)
		if err != nil {
			lastErr = err
			slog.Warn("websearch.provider_failed", "provider", p.Name(), "error", err)
			continue
		}
		return results, nil
	}
	return nil, fmt.Errorf("all search providers failed: %w", lastErr)
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
