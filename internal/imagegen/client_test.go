package imagegen

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/logging"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/observability"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
)

func newTestClient(t *testing.T, srv *httptest.Server, cfg Config) *Client {
	t.Helper()
	if cfg.BaseURL == "" && srv != nil {
		cfg.BaseURL = srv.URL + "/v1"
	}
	if cfg.APIToken == "" {
		cfg.APIToken = "r8_test"
	}
	cfg.PollInterval = time.Millisecond
	c := NewClient(cfg, observability.NewMetrics("test"), logging.Discard())
	c.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return c
}

func TestGeneratePollsUntilSucceeded(t *testing.T) {
	var posts, gets int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/models/black-forest-labs/flux-schnell/predictions":
			atomic.AddInt32(&posts, 1)
			body, _ := io.ReadAll(r.Body)
			if !strings.Contains(string(body), `"prompt":"a castle in the clouds"`) {
				t.Errorf("request body = %s", body)
			}
			_, _ = w.Write([]byte(`{"id":"p1","status":"starting"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/predictions/p1":
			n := atomic.AddInt32(&gets, 1)
			if n <= 2 {
				_, _ = w.Write([]byte(`{"id":"p1","status":"processing"}`))
				return
			}
			_, _ = w.Write([]byte(`{"id":"p1","status":"succeeded","output":["https://x/y.png"]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Config{})
	res, err := c.Generate(context.Background(), Request{Prompt: "a castle in the clouds", Width: 1024, Height: 1024})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(res.URLs) != 1 || res.URLs[0] != "https://x/y.png" {
		t.Fatalf("URLs = %v, want [https://x/y.png]", res.URLs)
	}
	if res.Status != StatusSucceeded || res.Demo {
		t.Fatalf("result = %+v, want real success", res)
	}
	if posts != 1 || gets != 3 {
		t.Fatalf("requests = %d POST, %d GET, want 1 and 3", posts, gets)
	}
	if res.Polls != 3 {
		t.Fatalf("Polls = %d, want 3", res.Polls)
	}
}

func TestImmediateSuccessSkipsPolling(t *testing.T) {
	var gets int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			atomic.AddInt32(&gets, 1)
		}
		_, _ = w.Write([]byte(`{"id":"p2","status":"succeeded","output":"https://x/cut.png"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Config{})
	res, err := c.RemoveBackground(context.Background(), "https://x/in.png")
	if err != nil {
		t.Fatalf("RemoveBackground() error = %v", err)
	}
	if len(res.URLs) != 1 || res.URLs[0] != "https://x/cut.png" || gets != 0 {
		t.Fatalf("result = %+v gets = %d", res, gets)
	}
}

func TestTerminalFailures(t *testing.T) {
	for _, status := range []string{StatusFailed, StatusCanceled} {
		t.Run(status, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodPost {
					_, _ = w.Write([]byte(`{"id":"p3","status":"processing"}`))
					return
				}
				_, _ = w.Write([]byte(`{"id":"p3","status":"` + status + `","error":"nsfw"}`))
			}))
			defer srv.Close()

			c := newTestClient(t, srv, Config{})
			_, err := c.Generate(context.Background(), Request{Prompt: "x"})
			if !reliability.Is(err, reliability.KindUnavailable) {
				t.Fatalf("Generate() error = %v, want unavailable", err)
			}
		})
	}
}

func TestPollBudgetTimesOut(t *testing.T) {
	var gets int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			atomic.AddInt32(&gets, 1)
		}
		_, _ = w.Write([]byte(`{"id":"p4","status":"processing"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Config{MaxPolls: 3})
	_, err := c.Generate(context.Background(), Request{Prompt: "x"})
	if !reliability.Is(err, reliability.KindTimeout) {
		t.Fatalf("Generate() error = %v, want timeout", err)
	}
	if gets != 3 {
		t.Fatalf("GET count = %d, want 3", gets)
	}
}

func TestValidationBeforeNetwork(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Config{DemoFallback: true})
	cases := map[string]func() error{
		"generate without prompt": func() error { _, err := c.Generate(context.Background(), Request{}); return err },
		"edit without image": func() error {
			_, err := c.Edit(context.Background(), Request{Prompt: "add a hat"})
			return err
		},
		"background without image": func() error { _, err := c.RemoveBackground(context.Background(), ""); return err },
		"oversized": func() error {
			_, err := c.Generate(context.Background(), Request{Prompt: "x", Width: 8192, Height: 512})
			return err
		},
	}
	for name, call := range cases {
		if err := call(); !reliability.Is(err, reliability.KindValidation) {
			t.Fatalf("%s: error = %v, want validation", name, err)
		}
	}
	if hits != 0 {
		t.Fatalf("server hits = %d, want 0", hits)
	}
}

func TestDemoFallbackOnServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Config{DemoFallback: true})
	res, err := c.Generate(context.Background(), Request{Prompt: "a fox", Width: 512, Height: 768})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !res.Demo || len(res.URLs) != 1 || !strings.HasSuffix(res.URLs[0], "/512/768") {
		t.Fatalf("result = %+v, want demo placeholder", res)
	}

	c = newTestClient(t, srv, Config{})
	if _, err := c.Generate(context.Background(), Request{Prompt: "a fox"}); !reliability.Is(err, reliability.KindUnavailable) {
		t.Fatalf("Generate() without fallback error = %v, want unavailable", err)
	}
}
