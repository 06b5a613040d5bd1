package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const tokenEndpoint = "/open-apis/auth/v3/tenant_access_token/internal"

// larkClient is a minimal Feishu REST client: tenant token acquisition and
// the two message endpoints the plugin needs. Clients are cheap and built
// per call; the token is fetched fresh each time.
type larkClient struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client
}

func newLarkClient(appID, appSecret, baseURL string) *larkClient {
	return &larkClient{
		baseURL:    baseURL,
		appID:      appID,
		appSecret:  appSecret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *larkClient) getToken(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("lark token request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("lark token decode: %w", err)
	}
	if result.Code != 0 {
		return "", fmt.Errorf("lark token error: code=%d msg=%s", result.Code, result.Msg)
	}
	return result.TenantAccessToken, nil
}

// sendMessage posts a text message to a chat.
func (c *larkClient) sendMessage(ctx context.Context, chatID, content string) error {
	path := "/open-apis/im/v1/messages?receive_id_type=chat_id"
	return c.post(ctx, path, map[string]string{
		"receive_id": chatID,
		"msg_type":   "text",
		"content":    content,
	})
}

// replyMessage answers in the thread rooted at messageID.
func (c *larkClient) replyMessage(ctx context.Context, messageID, content string) error {
	path := fmt.Sprintf("/open-apis/im/v1/messages/%s/reply", url.PathEscape(messageID))
	return c.post(ctx, path, map[string]string{
		"msg_type": "text",
		"content":  content,
	})
}

func (c *larkClient) post(ctx context.Context, path string, body any) error {
	token, err := c.getToken(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("lark api %s: %w", path, err)
	}
	defer resp.Body.Close()

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("lark api decode: %w", err)
	}
	if result.Code != 0 {
		return fmt.Errorf("lark api error: code=%d msg=%s", result.Code, result.Msg)
	}
	return nil
}
