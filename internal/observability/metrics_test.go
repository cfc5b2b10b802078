package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe(StageSpeechEndToTranscript, 500)
	w.Observe(StageSpeechEndToTranscript, 700)
	w.Observe(StageSpeechEndToTranscript, 900)
	w.ObserveIndicator("keyword_fallback")
	w.ObserveIndicator("keyword_fallback")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 3 || s.LastMS != 900 || s.P50MS != 700 {
		t.Fatalf("stats = %+v, want samples=3 last=900 p50=700", s)
	}
	if s.TargetP95MS != 1500 {
		t.Fatalf("TargetP95MS = %.2f, want 1500", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want keyword_fallback x2", snap.Indicators)
	}
}

func TestStageWindowWraps(t *testing.T) {
	w := newStageWindow(2)
	w.Observe("x", 1)
	w.Observe("x", 2)
	w.Observe("x", 3)
	snap := w.Snapshot()
	if snap.Stages[0].Samples != 2 || snap.Stages[0].AvgMS != 2.5 {
		t.Fatalf("stats = %+v, want 2 samples avg 2.5", snap.Stages[0])
	}
}

func TestMetricsInstancesDoNotCollide(t *testing.T) {
	a := NewMetrics("fluxvoice_test")
	b := NewMetrics("fluxvoice_test")
	a.Commands.WithLabelValues("rotate", "keywords", "ok").Inc()
	b.ObserveStage(StageUtteranceTotal, 1200*time.Millisecond)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `fluxvoice_test_commands_total{action="rotate",outcome="ok",source="keywords"} 1`) {
		t.Fatalf("metrics output missing command counter:\n%s", body)
	}
	if got := b.StageSnapshot().Stages[0].LastMS; got != 1200 {
		t.Fatalf("LastMS = %.2f, want 1200", got)
	}
}
