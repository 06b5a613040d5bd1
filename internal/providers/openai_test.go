package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// sseBody joins chat-completion chunks into one SSE response body.
func sseBody(chunks ...string) string {
	body := ""
	for _, c := range chunks {
		body += "data: " + c + "\n\n"
	}
	return body + "data: [DONE]\n\n"
}

func TestStreamTextAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"content":"hel"}}]}`,
			`{"choices":[{"delta":{"reasoning_content":"thinking"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`,
		))
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL, "test-key")
	var chunks []Chunk
	result, err := client.Stream(context.Background(), StreamRequest{
		Model:    "gpt-test",
		Messages: []Message{{Role: "user", Content: "hi"}},
		MaxSteps: 3,
	}, func(c Chunk) { chunks = append(chunks, c) })
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if result.Text != "hello" {
		t.Errorf("text = %q, want hello", result.Text)
	}
	if result.Usage == nil || result.Usage.TotalTokens != 12 {
		t.Errorf("usage = %+v, want totalTokens=12", result.Usage)
	}

	wantKinds := []ChunkKind{ChunkTextDelta, ChunkReasoningDelta, ChunkTextDelta}
	if len(chunks) != len(wantKinds) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(wantKinds))
	}
	for i, k := range wantKinds {
		if chunks[i].Kind != k {
			t.Errorf("chunk %d kind = %s, want %s", i, chunks[i].Kind, k)
		}
	}
}

func TestStreamToolLoop(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "text/event-stream")
		if calls == 1 {
			// Arguments arrive split across two deltas.
			fmt.Fprint(w, sseBody(
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-1","function":{"name":"fs_read","arguments":"{\"path\":"}}]}}]}`,
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"/tmp/a\"}"}}]}}]}`,
				`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			))
			return
		}
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"content":"file says hi"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		))
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL, "")
	var chunks []Chunk
	executed := 0
	result, err := client.Stream(context.Background(), StreamRequest{
		Model:    "gpt-test",
		Messages: []Message{{Role: "user", Content: "read it"}},
		Tools:    []ToolDefinition{{Name: "fs_read", Parameters: map[string]any{"type": "object"}}},
		MaxSteps: 5,
		CallTool: func(ctx context.Context, call ToolCall) (any, error) {
			executed++
			if call.Name != "fs_read" || call.Args["path"] != "/tmp/a" {
				t.Errorf("unexpected call %+v", call)
			}
			return map[string]any{"content": "hi"}, nil
		},
	}, func(c Chunk) { chunks = append(chunks, c) })
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if executed != 1 {
		t.Errorf("tool executed %d times, want 1", executed)
	}
	if result.Text != "file says hi" {
		t.Errorf("text = %q", result.Text)
	}

	var kinds []ChunkKind
	for _, c := range chunks {
		kinds = append(kinds, c.Kind)
	}
	want := []ChunkKind{ChunkToolCall, ChunkToolResult, ChunkTextDelta}
	if len(kinds) != len(want) {
		t.Fatalf("chunk kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("chunk %d = %s, want %s", i, kinds[i], want[i])
		}
	}
	if chunks[0].ToolCallID != "call-1" || chunks[1].ToolCallID != "call-1" {
		t.Error("tool call id must carry through to the result chunk")
	}
}

func TestStreamRetriesRateLimit(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(`{"choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL, "")
	client.retryConfig = RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}

	result, err := client.Stream(context.Background(), StreamRequest{
		Model:    "gpt-test",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if result.Text != "ok" {
		t.Errorf("text = %q", result.Text)
	}
}

func TestStreamSurfacesClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad model"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL, "")
	_, err := client.Stream(context.Background(), StreamRequest{Model: "nope"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	httpErr, ok := err.(*HTTPError)
	if !ok || httpErr.Status != http.StatusBadRequest {
		t.Errorf("err = %v, want HTTPError 400", err)
	}
}
