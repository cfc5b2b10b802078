package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/audio"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
)

// Status is what the host UI reports after it tried to open its microphone.
type Status struct {
	Opened     bool
	ErrorName  string
	Message    string
	SampleRate int
	Channels   int
}

// RemoteDevice is a microphone owned by the host UI. Open asks the UI to
// start capture and waits for its status report; frames then arrive via Push.
type RemoteDevice struct {
	requestOpen  func(ctx context.Context) error
	requestClose func()
	buffer       int

	mu      sync.Mutex
	pending chan Status
	stream  *remoteStream
	dropped atomic.Int64
}

// NewRemoteDevice builds a device around the two host UI requests. buffer is
// the number of frames held before Push starts dropping.
func NewRemoteDevice(requestOpen func(ctx context.Context) error, requestClose func(), buffer int) *RemoteDevice {
	if buffer <= 0 {
		buffer = 128
	}
	return &RemoteDevice{requestOpen: requestOpen, requestClose: requestClose, buffer: buffer}
}

func (d *RemoteDevice) Open(ctx context.Context) (Stream, error) {
	d.mu.Lock()
	if d.stream != nil {
		d.mu.Unlock()
		return nil, reliability.New(reliability.KindDevice, "capture.open", ErrBusy)
	}
	pending := make(chan Status, 1)
	d.pending = pending
	d.mu.Unlock()

	clearPending := func() {
		d.mu.Lock()
		if d.pending == pending {
			d.pending = nil
		}
		d.mu.Unlock()
	}

	if d.requestOpen != nil {
		if err := d.requestOpen(ctx); err != nil {
			clearPending()
			return nil, reliability.New(reliability.KindUnavailable, "capture.open", err)
		}
	}

	select {
	case <-ctx.Done():
		clearPending()
		if d.requestClose != nil {
			d.requestClose()
		}
		return nil, ctx.Err()
	case st := <-pending:
		if !st.Opened {
			return nil, ClassifyDeviceError(st.ErrorName, st.Message)
		}
		s := &remoteStream{
			device:   d,
			channels: st.Channels,
			format:   Format{SampleRate: st.SampleRate, Channels: 1},
			frames:   make(chan Frame, d.buffer),
		}
		d.mu.Lock()
		d.stream = s
		d.mu.Unlock()
		return s, nil
	}
}

// ReportStatus delivers the host UI's answer to a pending Open. Reports
// without a pending Open are ignored.
func (d *RemoteDevice) ReportStatus(st Status) {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()
	if pending != nil {
		pending <- st
	}
}

// Push hands one frame to the open stream, downmixing interleaved samples
// when the host reported more than one channel. It never blocks; frames are
// dropped while no stream is open or the buffer is full.
func (d *RemoteDevice) Push(samples []float32, sampleRate int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stream
	if s == nil || s.closed {
		return false
	}
	if sampleRate <= 0 {
		sampleRate = s.format.SampleRate
	}
	if s.channels > 1 {
		samples = audio.Downmix(samples, s.channels)
	}
	select {
	case s.frames <- Frame{Samples: samples, SampleRate: sampleRate, At: time.Now()}:
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// Dropped counts frames lost to a full buffer.
func (d *RemoteDevice) Dropped() int64 { return d.dropped.Load() }

// Disconnect ends any open stream, for when the host UI goes away.
func (d *RemoteDevice) Disconnect() {
	d.mu.Lock()
	s := d.stream
	d.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
}

type remoteStream struct {
	device *RemoteDevice
	// channels is what the host captures; frames leave mono.
	channels int
	format   Format
	frames   chan Frame
	closed   bool
}

func (s *remoteStream) Format() Format       { return s.format }
func (s *remoteStream) Frames() <-chan Frame { return s.frames }

func (s *remoteStream) Close() error {
	d := s.device
	d.mu.Lock()
	if s.closed {
		d.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.frames)
	if d.stream == s {
		d.stream = nil
	}
	d.mu.Unlock()

	if d.requestClose != nil {
		d.requestClose()
	}
	return nil
}

var _ Device = (*RemoteDevice)(nil)
