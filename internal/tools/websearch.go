package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebSearchTool queries the gateway's /web-search endpoint, which fronts
// the configured search provider.
type WebSearchTool struct {
	gatewayURL    string
	runtimeSecret string
	client        *http.Client
}

func NewWebSearchTool(gatewayURL, runtimeSecret string) *WebSearchTool {
	return &WebSearchTool{
		gatewayURL:    strings.TrimRight(gatewayURL, "/"),
		runtimeSecret: runtimeSecret,
		client:        &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *WebSearchTool) Name() string        { return "web_search" }
func (t *WebSearchTool) Description() string { return "Search the web and return result snippets" }

func (t *WebSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query",
			},
			"count": map[string]any{
				"type":        "integer",
				"description": "Number of results (default 5, max 10)",
			},
		},
		"required": []string{"query"},
	}
}

type webSearchResponse struct {
	Results []struct {
		Title       string `json:"title"`
		URL         string `json:"url"`
		Description string `json:"description"`
	} `json:"results"`
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) *Result {
	query, ok := args["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return ErrorResult("query is required")
	}
	count := 5
	if v, ok := args["count"].(float64); ok && v > 0 {
		count = int(v)
	}
	if count > 10 {
		count = 10
	}

	payload, _ := json.Marshal(map[string]any{"query": query, "count": count})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.gatewayURL+"/web-search", bytes.NewReader(payload))
	if err != nil {
		return ErrorResult(fmt.Sprintf("web search failed: %v", err)).WithError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Runtime-Secret", t.runtimeSecret)

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("web search failed: %v", err)).WithError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ErrorResult(fmt.Sprintf("web search returned %d: %s", resp.StatusCode, string(body)))
	}

	var parsed webSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ErrorResult(fmt.Sprintf("web search returned malformed response: %v", err)).WithError(err)
	}
	if len(parsed.Results) == 0 {
		return NewResult("No results found.")
	}

	var b strings.Builder
	for i, r := range parsed.Results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Description)
	}
	return NewResult(b.String())
}
