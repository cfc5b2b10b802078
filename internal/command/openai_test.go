package command

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/oai"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
)

func TestOpenAIClassifierSendsJSONMode(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"action\":\"undo\",\"confidence\":0.99}"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClassifier(oai.Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, "gpt-4o-mini")
	if err != nil {
		t.Fatalf("NewOpenAIClassifier() error = %v", err)
	}
	raw, err := c.Classify(context.Background(), "undo that", nil)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	cmd, err := Decode(raw, testNow)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if cmd.Action != ActionUndo {
		t.Fatalf("Action = %s, want undo", cmd.Action)
	}
	format, _ := gotBody["response_format"].(map[string]any)
	if format["type"] != "json_object" {
		t.Fatalf("response_format = %v, want json_object", gotBody["response_format"])
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	system, _ := msgs[0].(map[string]any)["content"].(string)
	if !strings.Contains(system, "remove_background") {
		t.Fatalf("system prompt does not list the vocabulary")
	}
}

func TestOpenAIClassifierClassifiesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClassifier(oai.Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, "")
	if err != nil {
		t.Fatalf("NewOpenAIClassifier() error = %v", err)
	}
	_, err = c.Classify(context.Background(), "undo", nil)
	if !reliability.Is(err, reliability.KindPermission) {
		t.Fatalf("Classify() error kind = %v, want permission", reliability.KindOf(err))
	}
}
