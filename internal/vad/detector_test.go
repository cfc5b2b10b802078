package vad

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type recorder struct {
	events []string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnSpeechStart:     func(time.Time) { r.events = append(r.events, "start") },
		OnSpeechEnd:       func(time.Time, time.Duration) { r.events = append(r.events, "end") },
		OnSpeechDiscarded: func(time.Time, time.Duration) { r.events = append(r.events, "discarded") },
	}
}

// feed drives the detector with one level per 50ms tick for d.
func feed(d *Detector, at time.Time, level float64, dur time.Duration) time.Time {
	const step = 50 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < dur; elapsed += step {
		d.Observe(level, at)
		at = at.Add(step)
	}
	return at
}

func TestDetectorSilentTraceNeverFires(t *testing.T) {
	r := &recorder{}
	d := NewDetector(DefaultConfig(), r.callbacks())
	feed(d, time.Unix(0, 0), 12, 10*time.Second)

	if len(r.events) != 0 {
		t.Fatalf("events = %v, want none", r.events)
	}
	if d.State().Active {
		t.Fatalf("detector active after silent trace")
	}
}

func TestDetectorShortBurstDoesNotEndSpeech(t *testing.T) {
	r := &recorder{}
	d := NewDetector(DefaultConfig(), r.callbacks())
	at := time.Unix(0, 0)
	at = feed(d, at, 80, 150*time.Millisecond)
	feed(d, at, 5, 3*time.Second)

	for _, ev := range r.events {
		if ev == "end" {
			t.Fatalf("events = %v, want no end for a 150ms burst", r.events)
		}
	}
	if len(r.events) != 2 || r.events[0] != "start" || r.events[1] != "discarded" {
		t.Fatalf("events = %v, want [start discarded]", r.events)
	}
	st := d.State()
	if st.Active || !st.SpeechStart.IsZero() {
		t.Fatalf("state = %+v, want idle with speech start unset", st)
	}
}

func TestDetectorLongSpeechFiresStartThenEndOnce(t *testing.T) {
	r := &recorder{}
	var voiced time.Duration
	cb := r.callbacks()
	onEnd := cb.OnSpeechEnd
	cb.OnSpeechEnd = func(at time.Time, speech time.Duration) {
		voiced = speech
		onEnd(at, speech)
	}
	d := NewDetector(DefaultConfig(), cb)

	at := time.Unix(0, 0)
	at = feed(d, at, 90, time.Second)
	feed(d, at, 4, 4*time.Second)

	if len(r.events) != 2 || r.events[0] != "start" || r.events[1] != "end" {
		t.Fatalf("events = %v, want [start end]", r.events)
	}
	if voiced != time.Second {
		t.Fatalf("voiced span = %v, want %v", voiced, time.Second)
	}
}

func TestDetectorShortPauseKeepsUtterance(t *testing.T) {
	r := &recorder{}
	d := NewDetector(DefaultConfig(), r.callbacks())
	at := time.Unix(0, 0)
	at = feed(d, at, 90, 500*time.Millisecond)
	at = feed(d, at, 4, time.Second) // pause shorter than SilenceDuration
	at = feed(d, at, 90, 500*time.Millisecond)
	feed(d, at, 4, 2*time.Second)

	if len(r.events) != 2 || r.events[0] != "start" || r.events[1] != "end" {
		t.Fatalf("events = %v, want a single [start end]", r.events)
	}
}

func TestDetectorDetectsConsecutiveUtterances(t *testing.T) {
	r := &recorder{}
	d := NewDetector(DefaultConfig(), r.callbacks())
	at := time.Unix(0, 0)
	for i := 0; i < 3; i++ {
		at = feed(d, at, 90, 600*time.Millisecond)
		at = feed(d, at, 4, 2*time.Second)
	}
	want := []string{"start", "end", "start", "end", "start", "end"}
	if len(r.events) != len(want) {
		t.Fatalf("events = %v, want %v", r.events, want)
	}
	for i := range want {
		if r.events[i] != want[i] {
			t.Fatalf("events = %v, want %v", r.events, want)
		}
	}
}

func TestMonitorStopIsSafeWithoutStart(t *testing.T) {
	m := NewMonitor(NewDetector(Config{}, Callbacks{}), LevelFunc(func() float64 { return 0 }))
	m.Stop()
	m.Stop()
	if m.Running() {
		t.Fatalf("Running() = true, want false")
	}
}

func TestMonitorPollsSource(t *testing.T) {
	var polls atomic.Int32
	var started atomic.Int32
	d := NewDetector(Config{Interval: 5 * time.Millisecond}, Callbacks{
		OnSpeechStart: func(time.Time) { started.Add(1) },
	})
	m := NewMonitor(d, LevelFunc(func() float64 {
		polls.Add(1)
		return 200
	}))
	m.Start(context.Background())
	m.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for polls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()
	m.Stop()

	if polls.Load() < 3 {
		t.Fatalf("polls = %d, want >= 3", polls.Load())
	}
	if started.Load() != 1 {
		t.Fatalf("speech starts = %d, want 1", started.Load())
	}
	if d.State().Active {
		t.Fatalf("detector still active after Stop")
	}
}
