package capture

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/logging"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
)

// Session is one open microphone stream. Exactly one Lease may consume its
// frames at a time.
type Session struct {
	log    logrus.FieldLogger
	stream Stream
	format Format

	mu     sync.Mutex
	lease  *Lease
	closed bool
}

// Open acquires the device. On failure nothing is left open.
func Open(ctx context.Context, dev Device, log logrus.FieldLogger) (*Session, error) {
	if dev == nil {
		return nil, reliability.New(reliability.KindUnsupported, "capture.open", ErrNotOpen)
	}
	stream, err := dev.Open(ctx)
	if err != nil {
		var classified *reliability.Error
		switch {
		case errors.As(err, &classified):
		case errors.Is(err, context.Canceled):
		case errors.Is(err, context.DeadlineExceeded):
			err = reliability.Newf(reliability.KindTimeout, "capture.open", "microphone did not open in time: %w", err)
		default:
			err = ClassifyDeviceError("", err.Error())
		}
		return nil, err
	}
	format := stream.Format()
	if format.SampleRate <= 0 {
		format.SampleRate = 48000
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	l := logging.Component(log, "capture")
	l.WithFields(logrus.Fields{"sample_rate": format.SampleRate, "channels": format.Channels}).Debug("microphone opened")
	return &Session{log: l, stream: stream, format: format}, nil
}

func (s *Session) Format() Format { return s.format }

func (s *Session) IsOpen() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Acquire hands the frame stream to owner until the lease is released.
func (s *Session) Acquire(owner string) (*Lease, error) {
	if s == nil {
		return nil, reliability.New(reliability.KindDevice, "capture.acquire", ErrNotOpen)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, reliability.New(reliability.KindDevice, "capture.acquire", ErrClosed)
	}
	if s.lease != nil {
		return nil, reliability.Newf(reliability.KindDevice, "capture.acquire", "%w (held by %s)", ErrBusy, s.lease.owner)
	}
	l := &Lease{session: s, owner: owner}
	s.lease = l
	return l, nil
}

// Close releases the microphone. Safe to call more than once.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.lease = nil
	s.mu.Unlock()

	s.log.Debug("microphone closed")
	return s.stream.Close()
}

func (s *Session) release(l *Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease == l {
		s.lease = nil
	}
}

// Lease is exclusive access to a session's frames.
type Lease struct {
	session *Session
	owner   string
	once    sync.Once
}

func (l *Lease) Owner() string { return l.owner }

func (l *Lease) Frames() <-chan Frame { return l.session.stream.Frames() }

func (l *Lease) Release() {
	l.once.Do(func() { l.session.release(l) })
}
