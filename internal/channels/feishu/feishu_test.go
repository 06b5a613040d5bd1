package feishu

import (
	"net/http"
	"testing"

	"github.com/nextlevelbuilder/clawrun/internal/channels"
)

func TestHandleChallenge(t *testing.T) {
	p := New()
	got := p.HandleChallenge([]byte(`{"type":"url_verification","challenge":"abc","token":"t"}`), nil)
	if string(got) != `{"challenge":"abc"}` {
		t.Errorf("challenge response = %q", got)
	}
	if p.HandleChallenge([]byte(`{"header":{"event_type":"im.message.receive_v1"}}`), nil) != nil {
		t.Error("event payload answered as challenge")
	}
}

func TestVerifyWebhook(t *testing.T) {
	p := New()
	cfg := channels.Config{"verification_token": "tok"}

	tests := []struct {
		name string
		body string
		want bool
	}{
		{"schema 2.0 token", `{"header":{"token":"tok"}}`, true},
		{"schema 1.0 token", `{"token":"tok"}`, true},
		{"wrong token", `{"header":{"token":"other"}}`, false},
		{"missing token", `{}`, false},
		{"invalid json", `{`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.VerifyWebhook([]byte(tt.body), http.Header{}, cfg); got != tt.want {
				t.Errorf("VerifyWebhook = %v, want %v", got, tt.want)
			}
		})
	}

	if !p.VerifyWebhook([]byte(`{}`), http.Header{}, channels.Config{}) {
		t.Error("channel without configured token must accept")
	}
}

func TestParseMessage(t *testing.T) {
	p := New()

	body := `{
		"header": {"event_type": "im.message.receive_v1"},
		"event": {
			"sender": {"sender_id": {"open_id": "ou_1"}},
			"message": {
				"message_id": "om_1",
				"root_id": "om_root",
				"chat_id": "oc_1",
				"message_type": "text",
				"content": "{\"text\":\"hello feishu\"}"
			}
		}
	}`
	got, err := p.ParseMessage([]byte(body))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	want := channels.Message{Content: "hello feishu", Sender: "ou_1", ChatID: "oc_1", ThreadID: "om_root", MessageID: "om_1"}
	if got == nil || *got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}

	if got, _ := p.ParseMessage([]byte(`{"header":{"event_type":"im.chat.updated_v1"}}`)); got != nil {
		t.Errorf("non-message event parsed: %+v", got)
	}
}

func TestParseContent(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		messageType string
		want        string
	}{
		{"text", `{"text":"hi"}`, "text", "hi"},
		{"image placeholder", `{"image_key":"k"}`, "image", "[image]"},
		{"file placeholder", `{"file_name":"report.pdf"}`, "file", "[file: report.pdf]"},
		{"unknown type", `{}`, "sticker", "[sticker message]"},
		{"malformed text falls through", `not-json`, "text", "not-json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseContent(tt.raw, tt.messageType); got != tt.want {
				t.Errorf("parseContent = %q, want %q", got, tt.want)
			}
		})
	}
}
