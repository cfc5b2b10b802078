// Package vad decides when a user starts and stops speaking from a stream of
// energy samples.
package vad

import (
	"sync"
	"time"
)

// Config tunes the detector. Zero fields take defaults.
type Config struct {
	// Threshold is compared against levels on the 0 to 255 analyser scale.
	Threshold         float64
	SilenceDuration   time.Duration
	MinSpeechDuration time.Duration
	// Interval is how often the Monitor samples its level source.
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Threshold:         30,
		SilenceDuration:   1500 * time.Millisecond,
		MinSpeechDuration: 300 * time.Millisecond,
		Interval:          50 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = def.Threshold
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = def.SilenceDuration
	}
	if c.MinSpeechDuration <= 0 {
		c.MinSpeechDuration = def.MinSpeechDuration
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	return c
}

// Callbacks receive detector transitions. Any may be nil.
type Callbacks struct {
	OnSpeechStart func(at time.Time)
	// OnSpeechEnd receives the voiced span, excluding trailing silence.
	OnSpeechEnd func(at time.Time, speech time.Duration)
	// OnSpeechDiscarded fires when a burst shorter than MinSpeechDuration is
	// followed by enough silence to reset.
	OnSpeechDiscarded func(at time.Time, speech time.Duration)
}

// Event is the transition produced by one observation.
type Event int

const (
	EventNone Event = iota
	EventSpeechStart
	EventSpeechEnd
	EventSpeechDiscarded
)

func (e Event) String() string {
	switch e {
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	case EventSpeechDiscarded:
		return "speech_discarded"
	default:
		return "none"
	}
}

// State is a snapshot of the detector.
type State struct {
	Active       bool
	Level        float64
	Smoothed     float64
	SpeechStart  time.Time
	SilenceStart time.Time
}

// Detector is the speech start/end state machine. It has no clock of its own;
// callers feed it levels with timestamps through Observe.
type Detector struct {
	cfg Config
	cb  Callbacks

	mu    sync.Mutex
	state State
}

func NewDetector(cfg Config, cb Callbacks) *Detector {
	return &Detector{cfg: cfg.withDefaults(), cb: cb}
}

func (d *Detector) Config() Config { return d.cfg }

// Observe feeds one energy sample and fires at most one callback.
func (d *Detector) Observe(level float64, now time.Time) Event {
	d.mu.Lock()
	ev, speech := d.step(level, now)
	d.mu.Unlock()

	switch ev {
	case EventSpeechStart:
		if d.cb.OnSpeechStart != nil {
			d.cb.OnSpeechStart(now)
		}
	case EventSpeechEnd:
		if d.cb.OnSpeechEnd != nil {
			d.cb.OnSpeechEnd(now, speech)
		}
	case EventSpeechDiscarded:
		if d.cb.OnSpeechDiscarded != nil {
			d.cb.OnSpeechDiscarded(now, speech)
		}
	}
	return ev
}

func (d *Detector) step(level float64, now time.Time) (Event, time.Duration) {
	s := &d.state
	s.Level = level
	if s.Smoothed == 0 {
		s.Smoothed = level
	} else {
		s.Smoothed = 0.8*s.Smoothed + 0.2*level
	}

	if level > d.cfg.Threshold {
		s.SilenceStart = time.Time{}
		if s.Active {
			return EventNone, 0
		}
		s.Active = true
		s.SpeechStart = now
		return EventSpeechStart, 0
	}

	if !s.Active {
		return EventNone, 0
	}
	if s.SilenceStart.IsZero() {
		s.SilenceStart = now
	}
	if now.Sub(s.SilenceStart) < d.cfg.SilenceDuration {
		return EventNone, 0
	}

	speech := s.SilenceStart.Sub(s.SpeechStart)
	d.resetLocked()
	if speech < d.cfg.MinSpeechDuration {
		return EventSpeechDiscarded, speech
	}
	return EventSpeechEnd, speech
}

// Reset returns the detector to idle without firing callbacks.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
	d.state.Smoothed = 0
	d.state.Level = 0
}

func (d *Detector) resetLocked() {
	d.state.Active = false
	d.state.SpeechStart = time.Time{}
	d.state.SilenceStart = time.Time{}
}

func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
