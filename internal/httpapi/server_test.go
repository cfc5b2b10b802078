package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/command"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/config"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/export"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/imagegen"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/logging"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/memory"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/observability"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/protocol"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/session"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/speech"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/transcribe"
)

type fakeTranscriber struct{}

func (fakeTranscriber) Transcribe(_ context.Context, wav []byte, opts transcribe.Options) (transcribe.Result, error) {
	return transcribe.Result{Text: string(wav), Language: opts.Language, Type: opts.Type}, nil
}

type fakeInterpreter struct{}

func (fakeInterpreter) InterpretDetailed(_ context.Context, text string, _ []string) command.Outcome {
	if text == "gibberish" {
		return command.Outcome{}
	}
	return command.Outcome{Command: &command.Command{Action: command.ActionUndo, Confidence: 1, Source: command.SourceKeywords}, Fallback: true}
}

type fakeSynthesizer struct{}

func (fakeSynthesizer) Synthesize(_ context.Context, text, voice string) (speech.Audio, error) {
	return speech.Audio{Data: []byte("ID3" + text), MIMEType: "audio/mpeg", Voice: voice, Cached: true}, nil
}

type fakeImages struct{ calls int }

func (f *fakeImages) Generate(_ context.Context, req imagegen.Request) (imagegen.Result, error) {
	f.calls++
	return imagegen.Result{Kind: imagegen.KindGenerate, Status: imagegen.StatusSucceeded, URLs: []string{"https://img/" + req.Prompt}}, nil
}

func (f *fakeImages) Edit(_ context.Context, req imagegen.Request) (imagegen.Result, error) {
	f.calls++
	return imagegen.Result{Kind: imagegen.KindEdit, Status: imagegen.StatusSucceeded}, nil
}

func (f *fakeImages) RemoveBackground(_ context.Context, image string) (imagegen.Result, error) {
	f.calls++
	return imagegen.Result{Kind: imagegen.KindRemoveBackground, Status: imagegen.StatusSucceeded}, nil
}

func (f *fakeImages) Prediction(_ context.Context, id string) (imagegen.Prediction, error) {
	return imagegen.Prediction{ID: id, Status: "processing"}, nil
}

// echoPipeline answers every client_text with a transcript of the same text.
type echoPipeline struct{}

func (echoPipeline) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if m, ok := msg.(protocol.ClientText); ok {
				outbound <- protocol.Transcript{Type: protocol.TypeTranscript, SessionID: s.ID, Text: m.Text, Kind: "command", Source: "text"}
			}
		}
	}
}

func newTestServer(t *testing.T, cfg config.Config, deps Deps) (*httptest.Server, *session.Manager, *observability.Metrics) {
	t.Helper()
	if cfg.SessionInactivityTimeout == 0 {
		cfg.SessionInactivityTimeout = 2 * time.Minute
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	metrics := observability.NewMetrics("test_httpapi")
	deps.Log = logging.Discard()
	ts := httptest.NewServer(New(cfg, sessions, metrics, deps).Router())
	t.Cleanup(ts.Close)
	return ts, sessions, metrics
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	res, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestCreateAndEndSession(t *testing.T) {
	ts, _, _ := newTestServer(t, config.Config{RealtimeVoice: "verse"}, Deps{})

	res := postJSON(t, ts.URL+"/v1/voice/session", `{"user_id":"user-1","mode":"conversation"}`)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	created := decodeBody(t, res)
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if created["voice"] != "verse" || created["mode"] != "conversation" {
		t.Fatalf("create response = %+v, want default voice and conversation mode", created)
	}

	endRes := postJSON(t, ts.URL+"/v1/voice/session/"+sessionID+"/end", "")
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}
	missing := postJSON(t, ts.URL+"/v1/voice/session/nope/end", "")
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("end unknown status = %d, want %d", missing.StatusCode, http.StatusNotFound)
	}
}

func TestCreateSessionValidatesVoice(t *testing.T) {
	ts, _, _ := newTestServer(t, config.Config{}, Deps{})
	res := postJSON(t, ts.URL+"/v1/voice/session", `{"user_id":"u","voice":"robot"}`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	ts, _, _ := newTestServer(t, config.Config{}, Deps{Interpreter: fakeInterpreter{}})

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", res.StatusCode)
	}

	ready, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	defer ready.Body.Close()
	body := decodeBody(t, ready)
	if body["interpreter"] != true || body["transcription"] != false {
		t.Fatalf("readyz = %+v", body)
	}

	metrics, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer metrics.Body.Close()
	if metrics.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", metrics.StatusCode)
	}
}

func TestTranscribeRoute(t *testing.T) {
	ts, _, _ := newTestServer(t, config.Config{}, Deps{Transcriber: fakeTranscriber{}})

	audio := base64.StdEncoding.EncodeToString([]byte("make it brighter"))
	res := postJSON(t, ts.URL+"/v1/voice/transcribe", `{"audio_base64":"`+audio+`","language":"en"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	body := decodeBody(t, res)
	if body["text"] != "make it brighter" || body["type"] != "command" {
		t.Fatalf("body = %+v", body)
	}

	bad := postJSON(t, ts.URL+"/v1/voice/transcribe", `{"audio_base64":"***"}`)
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid audio status = %d, want %d", bad.StatusCode, http.StatusBadRequest)
	}
}

func TestUnconfiguredRoutesAreUnavailable(t *testing.T) {
	ts, _, _ := newTestServer(t, config.Config{}, Deps{})
	for _, path := range []string{"/v1/voice/transcribe", "/v1/voice/interpret", "/v1/voice/speak", "/v1/realtime/token", "/v1/images/generate", "/v1/images/export"} {
		res := postJSON(t, ts.URL+path, `{}`)
		if res.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("%s status = %d, want %d", path, res.StatusCode, http.StatusServiceUnavailable)
		}
	}
}

func TestInterpretRoute(t *testing.T) {
	ts, _, _ := newTestServer(t, config.Config{}, Deps{Interpreter: fakeInterpreter{}})

	res := postJSON(t, ts.URL+"/v1/voice/interpret", `{"text":"undo"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	body := decodeBody(t, res)
	cmd, _ := body["command"].(map[string]any)
	if cmd["action"] != "undo" || body["fallback"] != true {
		t.Fatalf("body = %+v", body)
	}

	empty := postJSON(t, ts.URL+"/v1/voice/interpret", `{"text":""}`)
	if empty.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty text status = %d, want %d", empty.StatusCode, http.StatusBadRequest)
	}
	none := postJSON(t, ts.URL+"/v1/voice/interpret", `{"text":"gibberish"}`)
	if none.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("no command status = %d, want %d", none.StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestSpeakRoute(t *testing.T) {
	ts, _, _ := newTestServer(t, config.Config{}, Deps{Synthesizer: fakeSynthesizer{}})

	res := postJSON(t, ts.URL+"/v1/voice/speak", `{"text":"Done.","voice":"nova"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if got := res.Header.Get("Content-Type"); got != "audio/mpeg" {
		t.Fatalf("Content-Type = %q, want audio/mpeg", got)
	}
	if got := res.Header.Get("X-Cache"); got != "hit" {
		t.Fatalf("X-Cache = %q, want hit", got)
	}
	data, _ := io.ReadAll(res.Body)
	if string(data) != "ID3Done." {
		t.Fatalf("body = %q", data)
	}
}

func TestImageRoutesAreRateLimited(t *testing.T) {
	images := &fakeImages{}
	ts, _, _ := newTestServer(t, config.Config{ImageGenRatePerMinute: 1}, Deps{Images: images})

	first := postJSON(t, ts.URL+"/v1/images/generate", `{"prompt":"castle"}`)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d, want %d", first.StatusCode, http.StatusOK)
	}
	body := decodeBody(t, first)
	if urls, _ := body["urls"].([]any); len(urls) != 1 || urls[0] != "https://img/castle" {
		t.Fatalf("body = %+v", body)
	}

	second := postJSON(t, ts.URL+"/v1/images/generate", `{"prompt":"castle"}`)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want %d", second.StatusCode, http.StatusTooManyRequests)
	}
	if images.calls != 1 {
		t.Fatalf("image calls = %d, want 1", images.calls)
	}
}

func TestPredictionRoute(t *testing.T) {
	ts, _, _ := newTestServer(t, config.Config{}, Deps{Images: &fakeImages{}})
	res, err := http.Get(ts.URL + "/v1/images/predictions/abc123")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer res.Body.Close()
	body := decodeBody(t, res)
	if body["id"] != "abc123" || body["status"] != "processing" {
		t.Fatalf("body = %+v", body)
	}
}

func TestExportRoute(t *testing.T) {
	ts, _, _ := newTestServer(t, config.Config{}, Deps{Exporter: export.New(nil, nil, logging.Discard())})

	img := image.NewNRGBA(image.Rect(0, 0, 40, 20))
	for x := 0; x < 40; x++ {
		for y := 0; y < 20; y++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	payload := `{"image_base64":"` + base64.StdEncoding.EncodeToString(buf.Bytes()) + `","format":"jpeg","width":20,"filters":{"grayscale":true}}`
	res := postJSON(t, ts.URL+"/v1/images/export", payload)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	body := decodeBody(t, res)
	if body["format"] != "jpeg" || body["width"] != float64(20) || body["height"] != float64(10) {
		t.Fatalf("body = %+v", body)
	}
	if s, _ := body["data_base64"].(string); s == "" {
		t.Fatalf("missing data_base64")
	}

	bad := postJSON(t, ts.URL+"/v1/images/export", `{"image_base64":"`+base64.StdEncoding.EncodeToString(buf.Bytes())+`","format":"webp"}`)
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("webp status = %d, want %d", bad.StatusCode, http.StatusBadRequest)
	}
}

func TestConversationTurnsRoute(t *testing.T) {
	store := memory.NewInMemoryStore()
	_ = store.SaveTurn(context.Background(), memory.TurnRecord{ID: "t1", ConversationID: "conv-1", Role: "user", Content: "hello", CreatedAt: time.Now()})
	ts, _, _ := newTestServer(t, config.Config{}, Deps{Memory: store})

	res, err := http.Get(ts.URL + "/v1/conversations/conv-1/turns?limit=10")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer res.Body.Close()
	body := decodeBody(t, res)
	turns, _ := body["turns"].([]any)
	if len(turns) != 1 {
		t.Fatalf("turns = %+v, want 1", body["turns"])
	}

	bad, err := http.Get(ts.URL + "/v1/conversations/conv-1/turns?limit=0")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("limit=0 status = %d, want %d", bad.StatusCode, http.StatusBadRequest)
	}
}

func TestSessionWebSocket(t *testing.T) {
	ts, sessions, _ := newTestServer(t, config.Config{}, Deps{Pipeline: echoPipeline{}})
	sess := sessions.Create("user-ws", "", session.ModeCommand)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice/session/ws?session_id=" + sess.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write error = %v", err)
	}
	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read error = %v", err)
	}
	if ev["type"] != "error_event" || ev["code"] != "invalid_client_message" {
		t.Fatalf("event = %+v", ev)
	}

	msg := `{"type":"client_text","session_id":"` + sess.ID + `","text":"make it pop"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write error = %v", err)
	}
	var tr map[string]any
	if err := conn.ReadJSON(&tr); err != nil {
		t.Fatalf("read error = %v", err)
	}
	if tr["type"] != "transcript" || tr["text"] != "make it pop" {
		t.Fatalf("transcript = %+v", tr)
	}
}

func TestSessionWebSocketRejectsUnknownSession(t *testing.T) {
	ts, _, _ := newTestServer(t, config.Config{}, Deps{Pipeline: echoPipeline{}})
	res, err := http.Get(ts.URL + "/v1/voice/session/ws?session_id=missing")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}
