package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIClient implements LLMStream against any OpenAI-compatible
// chat-completions endpoint.
type OpenAIClient struct {
	apiBase     string
	apiKey      string
	client      *http.Client
	retryConfig RetryConfig
}

var _ LLMStream = (*OpenAIClient)(nil)

func NewOpenAIClient(apiBase, apiKey string) *OpenAIClient {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	return &OpenAIClient{
		apiBase:     strings.TrimRight(apiBase, "/"),
		apiKey:      apiKey,
		client:      &http.Client{Timeout: 120 * time.Second},
		retryConfig: DefaultRetryConfig(),
	}
}

// Stream runs the step loop: stream one completion, execute any requested
// tools through req.CallTool, feed results back, repeat until the model
// stops calling tools or MaxSteps is reached.
func (c *OpenAIClient) Stream(ctx context.Context, req StreamRequest, onChunk func(Chunk)) (*StreamResult, error) {
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 1
	}

	msgs := make([]Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, req.Messages...)

	result := &StreamResult{}
	for step := 0; step < maxSteps; step++ {
		turn, err := c.streamOnce(ctx, req.Model, msgs, req.Tools, onChunk)
		if err != nil {
			return nil, err
		}
		result.Text += turn.content
		if turn.usage != nil {
			if result.Usage == nil {
				result.Usage = &Usage{}
			}
			result.Usage.InputTokens += turn.usage.InputTokens
			result.Usage.OutputTokens += turn.usage.OutputTokens
			result.Usage.TotalTokens += turn.usage.TotalTokens
		}

		if len(turn.toolCalls) == 0 {
			break
		}
		if req.CallTool == nil {
			return nil, fmt.Errorf("model requested tool %q but no tool executor is wired", turn.toolCalls[0].Name)
		}

		msgs = append(msgs, Message{Role: "assistant", Content: turn.content, ToolCalls: turn.toolCalls})
		for _, call := range turn.toolCalls {
			if onChunk != nil {
				onChunk(Chunk{Kind: ChunkToolCall, ToolCallID: call.ID, ToolName: call.Name, Args: call.Args})
			}
			out, err := req.CallTool(ctx, call)
			if err != nil {
				return nil, fmt.Errorf("tool %s: %w", call.Name, err)
			}
			if onChunk != nil {
				onChunk(Chunk{Kind: ChunkToolResult, ToolCallID: call.ID, ToolName: call.Name, Result: out})
			}
			encoded, err := json.Marshal(out)
			if err != nil {
				encoded = []byte(fmt.Sprintf("%v", out))
			}
			msgs = append(msgs, Message{Role: "tool", Content: string(encoded), ToolCallID: call.ID})
		}
	}

	return result, nil
}

// turnResult is the parsed outcome of one streamed completion.
type turnResult struct {
	content   string
	toolCalls []ToolCall
	usage     *Usage
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type toolCallAccumulator struct {
	id      string
	name    string
	rawArgs string
}

func (c *OpenAIClient) streamOnce(ctx context.Context, model string, msgs []Message, tools []ToolDefinition, onChunk func(Chunk)) (*turnResult, error) {
	body := c.buildRequestBody(model, msgs, tools)

	// Retry covers the connection phase only; once data flows there is no
	// replay, the caller restarts the whole stream if it wants one.
	respBody, err := retryDo(ctx, c.retryConfig, func() (io.ReadCloser, error) {
		return c.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	turn := &turnResult{}
	accumulators := make(map[int]*toolCallAccumulator)
	maxIndex := -1

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.Usage != nil {
			turn.usage = &Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.ReasoningContent != "" {
			if onChunk != nil {
				onChunk(Chunk{Kind: ChunkReasoningDelta, Delta: delta.ReasoningContent})
			}
		}
		if delta.Content != "" {
			turn.content += delta.Content
			if onChunk != nil {
				onChunk(Chunk{Kind: ChunkTextDelta, Delta: delta.Content})
			}
		}

		for _, tc := range delta.ToolCalls {
			acc, ok := accumulators[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{id: tc.ID}
				accumulators[tc.Index] = acc
				if tc.Index > maxIndex {
					maxIndex = tc.Index
				}
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = strings.TrimSpace(tc.Function.Name)
			}
			acc.rawArgs += tc.Function.Arguments
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	for i := 0; i <= maxIndex; i++ {
		acc, ok := accumulators[i]
		if !ok {
			continue
		}
		args := make(map[string]any)
		_ = json.Unmarshal([]byte(acc.rawArgs), &args)
		turn.toolCalls = append(turn.toolCalls, ToolCall{ID: acc.id, Name: acc.name, Args: args})
	}

	return turn, nil
}

func (c *OpenAIClient) buildRequestBody(model string, msgs []Message, tools []ToolDefinition) map[string]any {
	// Convert to the OpenAI wire shape: tool calls get the type+function
	// wrapper and arguments travel as a JSON string.
	wireMsgs := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		msg := map[string]any{"role": m.Role}
		if m.Content != "" || len(m.ToolCalls) == 0 {
			msg["content"] = m.Content
		}
		if len(m.ToolCalls) > 0 {
			toolCalls := make([]map[string]any, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				toolCalls[i] = map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(argsJSON),
					},
				}
			}
			msg["tool_calls"] = toolCalls
		}
		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}
		wireMsgs = append(wireMsgs, msg)
	}

	body := map[string]any{
		"model":    model,
		"messages": wireMsgs,
		"stream":   true,
		"stream_options": map[string]any{
			"include_usage": true,
		},
	}

	if len(tools) > 0 {
		wireTools := make([]map[string]any, len(tools))
		for i, t := range tools {
			wireTools[i] = map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			}
		}
		body["tools"] = wireTools
		body["tool_choice"] = "auto"
	}

	return body
}

func (c *OpenAIClient) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}
