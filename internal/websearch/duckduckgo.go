package websearch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// DuckDuckGoProvider scrapes the HTML endpoint. No API key required, which
// makes it the default for standalone installs.
type DuckDuckGoProvider struct {
	endpoint string
	client   *http.Client
}

func NewDuckDuckGoProvider() *DuckDuckGoProvider {
	return &DuckDuckGoProvider{
		endpoint: "https://html.duckduckgo.com/html/",
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *DuckDuckGoProvider) Name() string { return "duckduckgo" }

func (p *DuckDuckGoProvider) Search(ctx context.Context, query string, count int) ([]Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo returned %d", resp.StatusCode)
	}

	return extractResults(string(body), count), nil
}

var (
	ddgLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
)

func extractResults(html string, count int) []Result {
	linkMatches := ddgLinkRe.FindAllStringSubmatch(html, count+5)
	if len(linkMatches) == 0 {
		return nil
	}
	snippetMatches := ddgSnippetRe.FindAllStringSubmatch(html, count+5)

	var results []Result
	for i := 0; i < len(linkMatches) && i < count; i++ {
		title := strings.TrimSpace(htmlTagRe.ReplaceAllString(linkMatches[i][2], ""))
		desc := ""
		if i < len(snippetMatches) {
			desc = strings.TrimSpace(htmlTagRe.ReplaceAllString(snippetMatches[i][1], ""))
		}
		results = append(results, Result{
			Title:       title,
			URL:         unwrapRedirect(linkMatches[i][1]),
			Description: desc,
		})
	}
	return results
}

// unwrapRedirect extracts the target URL from DuckDuckGo's redirect links,
// which carry it in the uddg= query parameter.
func unwrapRedirect(rawURL string) string {
	if !strings.Contains(rawURL, "uddg=") {
		return rawURL
	}
	u, err := url.QueryUnescape(rawURL)
	if err != nil {
		return rawURL
	}
	idx := strings.Index(u, "uddg=")
	if idx == -1 {
		return rawURL
	}
	target := u[idx+5:]
	if amp := strings.Index(target, "&"); amp != -1 {
		target = target[:amp]
	}
	return target
}
