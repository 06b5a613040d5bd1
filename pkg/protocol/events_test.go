package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeMarshal_FlattensTypeAndSeq(t *testing.T) {
	env := Envelope{
		Seq:       3,
		EmittedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Event:     TextDelta{Text: "hello", Delta: "lo"},
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal into map: %v", err)
	}

	if got["type"] != "text-delta" {
		t.Errorf("type = %v, want text-delta", got["type"])
	}
	if got["seq"] != float64(3) {
		t.Errorf("seq = %v, want 3", got["seq"])
	}
	if got["text"] != "hello" || got["delta"] != "lo" {
		t.Errorf("variant fields not flattened: %v", got)
	}
}

func TestEnvelopeRoundtrip(t *testing.T) {
	tests := []struct {
		name  string
		event RunEvent
	}{
		{"message-start", MessageStart{MessageID: "m1"}},
		{"tool-call", ToolCall{ToolCallID: "tc1", ToolName: "fs_read", Args: map[string]any{"path": "/tmp/a"}}},
		{"tool-result", ToolResult{ToolCallID: "tc1", ToolName: "fs_read", Result: "ok", Status: "success"}},
		{"agent-switch", AgentSwitch{AgentID: "a2", TaskID: "t1"}},
		{"usage", Usage{Scope: "run", InputTokens: 10, OutputTokens: 5, TotalTokens: 15}},
		{"error", Error{Message: "boom"}},
		{"done", Done{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Envelope{Seq: 7, EmittedAt: time.Now().UTC().Truncate(time.Millisecond), Event: tt.event}
			raw, err := json.Marshal(in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var out Envelope
			if err := json.Unmarshal(raw, &out); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if out.Seq != in.Seq {
				t.Errorf("seq = %d, want %d", out.Seq, in.Seq)
			}
			if out.Event.Kind() != tt.event.Kind() {
				t.Errorf("kind = %s, want %s", out.Event.Kind(), tt.event.Kind())
			}
		})
	}
}

func TestEnvelopeUnmarshal_UnknownType(t *testing.T) {
	var env Envelope
	err := json.Unmarshal([]byte(`{"type":"nope","seq":1}`), &env)
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(KindDone) || !IsTerminal(KindError) {
		t.Error("done and error must be terminal")
	}
	if IsTerminal(KindTextDelta) || IsTerminal(KindMessageEnd) {
		t.Error("non-terminal kinds flagged terminal")
	}
}
