package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
)

func TestTokenMinterMint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/realtime/sessions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != DefaultModel {
			t.Errorf("model = %v, want %s", body["model"], DefaultModel)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gpt-4o-realtime-preview-2024-12-17","voice":"alloy","client_secret":{"value":"ek_123","expires_at":1767225600}}`))
	}))
	defer srv.Close()

	m := NewTokenMinter(srv.URL+"/v1", "sk-test", "", "", srv.Client())
	tok, err := m.Mint(context.Background())
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if tok.Value != "ek_123" || tok.Voice != "alloy" {
		t.Fatalf("token = %+v", tok)
	}
	if tok.ExpiresAt.Unix() != 1767225600 {
		t.Fatalf("ExpiresAt = %v", tok.ExpiresAt)
	}
}

func TestTokenMinterErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
	}))
	defer srv.Close()

	if _, err := NewTokenMinter(srv.URL, "", "", "", nil).Mint(context.Background()); !reliability.Is(err, reliability.KindValidation) {
		t.Fatalf("Mint() without key error kind = %q, want validation", reliability.KindOf(err))
	}
	_, err := NewTokenMinter(srv.URL, "sk-test", "", "", srv.Client()).Mint(context.Background())
	if !reliability.Is(err, reliability.KindPermission) {
		t.Fatalf("Mint() error kind = %q, want permission", reliability.KindOf(err))
	}
}
