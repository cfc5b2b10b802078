package capture

import (
	"sync"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/audio"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
)

// RealtimeInput is the outbound side of a speech-to-speech connection.
type RealtimeInput interface {
	AppendAudio(pcm16Base64 string) error
	CommitAudio() error
	CreateResponse() error
}

// Streamer forwards conversation-mode frames to a realtime connection as they
// arrive. Appends and the final commit share one lock so the commit is always
// the last message of an utterance.
type Streamer struct {
	session    *Session
	out        RealtimeInput
	targetRate int

	mu     sync.Mutex
	active bool
	sent   int
}

func NewStreamer(sess *Session, out RealtimeInput) *Streamer {
	return &Streamer{session: sess, out: out, targetRate: audio.RealtimeSampleRate}
}

func (s *Streamer) Start() error {
	if !s.session.IsOpen() {
		return reliability.New(reliability.KindDevice, "capture.streamer.start", ErrNotOpen)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = true
	s.sent = 0
	return nil
}

// Write converts and appends one frame. Frames after Stop are dropped.
func (s *Streamer) Write(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || len(f.Samples) == 0 {
		return nil
	}
	samples := audio.Resample(f.Samples, f.SampleRate, s.targetRate)
	if err := s.out.AppendAudio(audio.EncodePCM16Base64(samples)); err != nil {
		return err
	}
	s.sent++
	return nil
}

// Stop commits whatever was appended and asks for a response. Nothing is
// sent when no audio went out.
func (s *Streamer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	s.active = false
	if s.sent == 0 {
		return nil
	}
	if err := s.out.CommitAudio(); err != nil {
		return err
	}
	return s.out.CreateResponse()
}

// Sent reports how many append messages the current utterance produced.
func (s *Streamer) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}
