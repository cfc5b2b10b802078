package voice

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/audio"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/command"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/logging"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/observability"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/protocol"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/realtime"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/session"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/transcribe"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/vad"
)

type fakeTranscriber struct {
	text  string
	calls atomic.Int32

	mu        sync.Mutex
	durations []time.Duration
}

func (f *fakeTranscriber) Transcribe(_ context.Context, wav []byte, opts transcribe.Options) (transcribe.Result, error) {
	f.calls.Add(1)
	if pcm, info, err := audio.DecodeWAVPCM16(wav); err == nil {
		f.mu.Lock()
		f.durations = append(f.durations, audio.Duration(len(pcm)/2, info.SampleRate))
		f.mu.Unlock()
	}
	return transcribe.Result{Text: f.text, Language: "en", Type: opts.Type}, nil
}

func (f *fakeTranscriber) lastDuration() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.durations) == 0 {
		return 0
	}
	return f.durations[len(f.durations)-1]
}

type fakeInterpreter struct {
	mu   sync.Mutex
	seen []string
}

func (f *fakeInterpreter) InterpretDetailed(_ context.Context, transcript string, _ []string) command.Outcome {
	f.mu.Lock()
	f.seen = append(f.seen, transcript)
	f.mu.Unlock()
	return command.Outcome{Command: &command.Command{
		Action:     command.ActionUndo,
		Confidence: 0.9,
		Source:     command.SourceKeywords,
		CreatedAt:  time.Now(),
	}}
}

type harness struct {
	t        *testing.T
	sess     *session.Session
	sessions *session.Manager
	metrics  *observability.Metrics
	stt      *fakeTranscriber
	in       chan any
	out      chan any
	done     chan error
	closed   bool
}

// harnessOption adjusts the service before the connection starts.
type harnessOption func(*Service)

func withLevels(src vad.LevelSource) harnessOption {
	return func(s *Service) {
		s.levels = func(*audio.Analyser) vad.LevelSource { return src }
	}
}

func withRealtime(url string) harnessOption {
	return func(s *Service) {
		s.deps.Realtime = realtime.Config{URL: url, APIKey: "sk-test", Model: "test-model", ConnectTimeout: 2 * time.Second}
	}
}

func startHarness(t *testing.T, cfg Config, opts ...harnessOption) *harness {
	t.Helper()
	sessions := session.NewManager(time.Minute)
	metrics := observability.NewMetrics("voicetest")
	stt := &fakeTranscriber{text: "undo that"}
	svc := NewService(cfg, Deps{
		Sessions:    sessions,
		Transcriber: stt,
		Interpreter: &fakeInterpreter{},
		Metrics:     metrics,
		Log:         logging.Discard(),
	})
	for _, opt := range opts {
		opt(svc)
	}
	h := &harness{
		t:        t,
		sess:     sessions.Create("user-1", "", session.ModeCommand),
		sessions: sessions,
		metrics:  metrics,
		stt:      stt,
		in:       make(chan any, 16),
		out:      make(chan any, 64),
		done:     make(chan error, 1),
	}
	go func() { h.done <- svc.RunConnection(context.Background(), h.sess, h.in, h.out) }()
	t.Cleanup(func() { h.close() })
	return h
}

func (h *harness) close() {
	if h.closed {
		return
	}
	h.closed = true
	close(h.in)
	// Keep draining so the pipeline can shut down.
	for {
		select {
		case <-h.out:
		case <-h.done:
			return
		case <-time.After(5 * time.Second):
			h.t.Fatalf("RunConnection did not return")
		}
	}
}

func (h *harness) expect(match func(any) bool) any {
	h.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-h.out:
			if match(msg) {
				return msg
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for outbound message")
			return nil
		}
	}
}

func (h *harness) control(action, mode string) {
	h.in <- protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: h.sess.ID, Action: action, Mode: mode}
}

func (h *harness) openMic() {
	h.t.Helper()
	h.openMicInto(StateListening)
}

// openMicInto answers the mic request and waits for the pipeline to reach want.
func (h *harness) openMicInto(want State) {
	h.t.Helper()
	req := h.expect(func(m any) bool { _, ok := m.(protocol.MicRequest); return ok }).(protocol.MicRequest)
	if req.Action != "open" {
		h.t.Fatalf("mic_request action = %q, want open", req.Action)
	}
	h.in <- protocol.MicStatus{Type: protocol.TypeMicStatus, Opened: true, SampleRate: 16000, Channels: 1}
	h.expectState(want)
}

func (h *harness) expectState(want State) {
	h.t.Helper()
	h.expect(func(m any) bool {
		st, ok := m.(protocol.PipelineState)
		return ok && st.State == string(want)
	})
}

func (h *harness) expectVAD(event string) protocol.VADEvent {
	h.t.Helper()
	return h.expect(func(m any) bool {
		ev, ok := m.(protocol.VADEvent)
		return ok && ev.Event == event
	}).(protocol.VADEvent)
}

func (h *harness) pushSilence(d time.Duration) {
	h.pushTone(d, 0)
}

func (h *harness) pushTone(d time.Duration, amp float32) {
	samples := make([]float32, int(16000*d/time.Second))
	for i := range samples {
		samples[i] = amp
	}
	h.in <- protocol.ClientAudioFrame{
		Type:        protocol.TypeClientAudioFrame,
		AudioBase64: base64.StdEncoding.EncodeToString(audio.Float32ToPCM16(samples)),
		SampleRate:  16000,
	}
}

func quietConfig() Config {
	cfg := Config{
		VAD:          vad.DefaultConfig(),
		Analyser:     audio.DefaultAnalyserConfig(),
		MinUtterance: 400 * time.Millisecond,
	}
	return cfg
}

func TestCommandModeTranscribesOnStop(t *testing.T) {
	h := startHarness(t, quietConfig())
	h.control(protocol.ActionStartListening, protocol.ModeCommand)
	h.openMic()

	h.pushSilence(time.Second)
	// Give the pump a moment to consume the frame before stopping.
	time.Sleep(100 * time.Millisecond)
	h.control(protocol.ActionStopListening, "")

	tr := h.expect(func(m any) bool { _, ok := m.(protocol.Transcript); return ok }).(protocol.Transcript)
	if tr.Text != "undo that" || tr.Kind != string(transcribe.TypeCommand) {
		t.Fatalf("transcript = %+v", tr)
	}
	cmd := h.expect(func(m any) bool { _, ok := m.(protocol.Command); return ok }).(protocol.Command)
	if cmd.Action != string(command.ActionUndo) || cmd.Source != string(command.SourceKeywords) {
		t.Fatalf("command = %+v", cmd)
	}
	op := h.expect(func(m any) bool { _, ok := m.(protocol.UIOperation); return ok }).(protocol.UIOperation)
	if op.Operation != OpUndo {
		t.Fatalf("operation = %q, want %q", op.Operation, OpUndo)
	}
	h.in <- protocol.UIOperationResult{Type: protocol.TypeUIOperationResult, OpID: op.OpID, OK: true}

	n := h.expect(func(m any) bool { _, ok := m.(protocol.Notification); return ok }).(protocol.Notification)
	if n.Level != "info" || n.Action != string(command.ActionUndo) {
		t.Fatalf("notification = %+v", n)
	}
	h.close()

	if got := h.stt.calls.Load(); got != 1 {
		t.Fatalf("transcriber calls = %d, want 1", got)
	}
	if got := testutil.ToFloat64(h.metrics.Commands.WithLabelValues("undo", "keywords", "executed")); got != 1 {
		t.Fatalf("executed commands = %v, want 1", got)
	}
	s, err := h.sessions.Get(h.sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if s.CommandCount != 1 {
		t.Fatalf("CommandCount = %d, want 1", s.CommandCount)
	}
}

func TestShortRecordingIsDiscarded(t *testing.T) {
	h := startHarness(t, quietConfig())
	h.control(protocol.ActionStartListening, protocol.ModeCommand)
	h.openMic()

	h.pushSilence(100 * time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	h.control(protocol.ActionStopListening, "user clicked")
	h.expect(func(m any) bool {
		st, ok := m.(protocol.PipelineState)
		return ok && st.State == string(StateIdle)
	})
	h.close()

	if got := h.stt.calls.Load(); got != 0 {
		t.Fatalf("transcriber calls = %d, want 0", got)
	}
	if got := testutil.ToFloat64(h.metrics.Utterances.WithLabelValues("too_short")); got != 1 {
		t.Fatalf("too_short utterances = %v, want 1", got)
	}
}

func TestMicPermissionDeniedReportsError(t *testing.T) {
	h := startHarness(t, quietConfig())
	h.control(protocol.ActionStartListening, protocol.ModeCommand)
	h.expect(func(m any) bool { _, ok := m.(protocol.MicRequest); return ok })
	h.in <- protocol.MicStatus{Type: protocol.TypeMicStatus, Opened: false, ErrorName: "NotAllowedError", Message: "denied by user"}

	ev := h.expect(func(m any) bool { _, ok := m.(protocol.ErrorEvent); return ok }).(protocol.ErrorEvent)
	if ev.Code != "mic_permission" {
		t.Fatalf("code = %q, want mic_permission", ev.Code)
	}
	if ev.Retryable {
		t.Fatalf("Retryable = true, want false")
	}
	if ev.Source != "capture" {
		t.Fatalf("source = %q, want capture", ev.Source)
	}
}

func TestStopCancelsPendingMicOpen(t *testing.T) {
	h := startHarness(t, quietConfig())
	h.control(protocol.ActionStartListening, protocol.ModeCommand)
	h.expect(func(m any) bool { _, ok := m.(protocol.MicRequest); return ok })
	h.control(protocol.ActionStopListening, "")

	req := h.expect(func(m any) bool { _, ok := m.(protocol.MicRequest); return ok }).(protocol.MicRequest)
	if req.Action != "close" {
		t.Fatalf("mic_request action = %q, want close", req.Action)
	}
}

func TestClientTextDispatches(t *testing.T) {
	h := startHarness(t, quietConfig())
	h.in <- protocol.ClientText{Type: protocol.TypeClientText, SessionID: h.sess.ID, Text: "  undo  "}

	op := h.expect(func(m any) bool { _, ok := m.(protocol.UIOperation); return ok }).(protocol.UIOperation)
	if op.Operation != OpUndo {
		t.Fatalf("operation = %q, want %q", op.Operation, OpUndo)
	}
	h.in <- protocol.UIOperationResult{Type: protocol.TypeUIOperationResult, OpID: op.OpID, OK: false, Error: "nothing to undo"}
	n := h.expect(func(m any) bool { _, ok := m.(protocol.Notification); return ok }).(protocol.Notification)
	if n.Level != "error" {
		t.Fatalf("notification level = %q, want error", n.Level)
	}
	h.close()
	if got := testutil.ToFloat64(h.metrics.Commands.WithLabelValues("undo", "keywords", "failed")); got != 1 {
		t.Fatalf("failed commands = %v, want 1", got)
	}
}

func TestEndControlEndsSession(t *testing.T) {
	h := startHarness(t, quietConfig())
	h.control(protocol.ActionEnd, "")
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("RunConnection() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("RunConnection did not return after end")
	}
	h.closed = true
	s, err := h.sessions.Get(h.sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if s.Status != session.StatusEnded {
		t.Fatalf("status = %q, want %q", s.Status, session.StatusEnded)
	}
}
