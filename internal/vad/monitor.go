package vad

import (
	"context"
	"sync"
	"time"
)

// LevelSource reports the current energy level on the 0 to 255 scale.
type LevelSource interface {
	Level() float64
}

// LevelFunc adapts a function to LevelSource.
type LevelFunc func() float64

func (f LevelFunc) Level() float64 { return f() }

// Monitor samples a LevelSource on a fixed ticker and feeds a Detector.
// Stop is safe to call any number of times, including before Start.
type Monitor struct {
	detector *Detector
	source   LevelSource
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(detector *Detector, source LevelSource) *Monitor {
	return &Monitor{detector: detector, source: source, now: time.Now}
}

// Start begins polling until ctx ends or Stop is called. Starting a running
// monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.detector.Reset()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.detector.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.detector.Observe(m.source.Level(), m.now())
			}
		}
	}()
}

// Stop halts polling and waits for the polling goroutine to exit. Callbacks
// must not call Stop synchronously; they run on the polling goroutine.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.detector.Reset()
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}
