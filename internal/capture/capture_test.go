package capture

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/audio"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
)

type fakeStream struct {
	format Format
	frames chan Frame
	closes int
}

func (s *fakeStream) Format() Format       { return s.format }
func (s *fakeStream) Frames() <-chan Frame { return s.frames }
func (s *fakeStream) Close() error {
	s.closes++
	return nil
}

type fakeDevice struct {
	stream *fakeStream
	err    error
}

func (d *fakeDevice) Open(context.Context) (Stream, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.stream, nil
}

func openFake(t *testing.T) (*Session, *fakeStream) {
	t.Helper()
	fs := &fakeStream{format: Format{SampleRate: 16000, Channels: 1}, frames: make(chan Frame, 8)}
	sess, err := Open(context.Background(), &fakeDevice{stream: fs}, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return sess, fs
}

func frame(n int, v float32) Frame {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return Frame{Samples: s, SampleRate: 16000}
}

func TestClassifyDeviceError(t *testing.T) {
	cases := []struct {
		name string
		want reliability.Kind
	}{
		{"NotAllowedError", reliability.KindPermission},
		{"NotFoundError", reliability.KindDevice},
		{"NotSupportedError", reliability.KindUnsupported},
		{"AbortError", reliability.KindOther},
	}
	for _, tc := range cases {
		err := ClassifyDeviceError(tc.name, "")
		if got := reliability.KindOf(err); got != tc.want {
			t.Fatalf("ClassifyDeviceError(%q) kind = %q, want %q", tc.name, got, tc.want)
		}
	}
	if msg := ClassifyDeviceError("NotAllowedError", "").Error(); !strings.Contains(msg, "permission denied") {
		t.Fatalf("permission message = %q, want actionable text", msg)
	}
}

func TestOpenClassifiesUnknownErrors(t *testing.T) {
	_, err := Open(context.Background(), &fakeDevice{err: errors.New("boom")}, nil)
	if got := reliability.KindOf(err); got != reliability.KindOther {
		t.Fatalf("kind = %q, want %q", got, reliability.KindOther)
	}
	_, err = Open(context.Background(), &fakeDevice{err: ClassifyDeviceError("NotAllowedError", "")}, nil)
	if got := reliability.KindOf(err); got != reliability.KindPermission {
		t.Fatalf("kind = %q, want %q", got, reliability.KindPermission)
	}
}

func TestSessionLeaseIsExclusive(t *testing.T) {
	sess, fs := openFake(t)
	lease, err := sess.Acquire("vad")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := sess.Acquire("streamer"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Acquire() error = %v, want ErrBusy", err)
	}
	lease.Release()
	lease.Release()
	if _, err := sess.Acquire("streamer"); err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	_ = sess.Close()
	if fs.closes != 1 {
		t.Fatalf("stream closes = %d, want 1", fs.closes)
	}
	if _, err := sess.Acquire("late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Acquire() after close error = %v, want ErrClosed", err)
	}
}

func TestRecorderStopWithoutStartReturnsNil(t *testing.T) {
	sess, _ := openFake(t)
	r := NewRecorder(sess, 0)
	r.Write(frame(160, 0.1))
	if rec := r.Stop(); rec != nil {
		t.Fatalf("Stop() = %+v, want nil", rec)
	}
}

func TestRecorderReturnsBlobAfterChunks(t *testing.T) {
	sess, _ := openFake(t)
	r := NewRecorder(sess, 0)

	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if rec := r.Stop(); rec != nil {
		t.Fatalf("Stop() with no chunks = %+v, want nil", rec)
	}

	for cycle := 0; cycle < 2; cycle++ {
		if err := r.Start(); err != nil {
			t.Fatalf("cycle %d Start() error = %v", cycle, err)
		}
		r.Write(frame(1600, 0.2))
		r.Write(frame(1600, 0.2))
		rec := r.Stop()
		if rec == nil {
			t.Fatalf("cycle %d Stop() = nil, want recording", cycle)
		}
		if rec.Chunks != 2 || rec.Duration != 200*time.Millisecond {
			t.Fatalf("cycle %d recording = %d chunks %v, want 2 chunks 200ms", cycle, rec.Chunks, rec.Duration)
		}
		pcm, info, err := audio.DecodeWAVPCM16(rec.WAV)
		if err != nil || info.SampleRate != 16000 || len(pcm) != 3200*2 {
			t.Fatalf("cycle %d wav = %d bytes %+v (%v)", cycle, len(pcm), info, err)
		}
	}
}

func TestRecorderPreRoll(t *testing.T) {
	sess, _ := openFake(t)
	r := NewRecorder(sess, 50*time.Millisecond) // 800 samples at 16kHz
	r.Write(frame(1600, 0.1))
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	r.Write(frame(160, 0.5))
	rec := r.Stop()
	if rec == nil || rec.Duration != 60*time.Millisecond {
		t.Fatalf("recording = %+v, want 60ms including pre-roll", rec)
	}
}

func TestRecorderTrimKeepsOnlyPreRoll(t *testing.T) {
	sess, _ := openFake(t)
	r := NewRecorder(sess, 50*time.Millisecond)
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	r.Write(frame(16000, 0.1)) // a second of silence before speech
	r.Write(frame(400, 0.2))
	r.Trim()
	if got := r.Elapsed(); got != 50*time.Millisecond {
		t.Fatalf("Elapsed() after Trim = %v, want 50ms", got)
	}
	r.Write(frame(1600, 0.5))
	rec := r.Stop()
	if rec == nil || rec.Duration != 150*time.Millisecond {
		t.Fatalf("recording = %+v, want 150ms", rec)
	}
	pcm, _, err := audio.DecodeWAVPCM16(rec.WAV)
	if err != nil || len(pcm) != 2400*2 {
		t.Fatalf("wav pcm = %d bytes (%v), want %d", len(pcm), err, 2400*2)
	}
	samples := audio.PCM16ToFloat32(pcm)
	// 400 samples of the 0.2 frame survive, preceded by 400 of the silence.
	if samples[0] > 0.15 || samples[399] > 0.15 || samples[400] < 0.15 {
		t.Fatalf("trim boundary = %v %v %v, want 0.1 0.1 0.2", samples[0], samples[399], samples[400])
	}

	short := NewRecorder(sess, 50*time.Millisecond)
	_ = short.Start()
	short.Write(frame(160, 0.3))
	short.Trim()
	if got := short.Elapsed(); got != 10*time.Millisecond {
		t.Fatalf("Elapsed() of short recording after Trim = %v, want 10ms", got)
	}
}

func TestRecorderStartFailsWhenClosed(t *testing.T) {
	sess, _ := openFake(t)
	_ = sess.Close()
	err := NewRecorder(sess, 0).Start()
	if !errors.Is(err, ErrNotOpen) || reliability.KindOf(err) != reliability.KindDevice {
		t.Fatalf("Start() error = %v, want classified ErrNotOpen", err)
	}
	if err := NewRecorder(nil, 0).Start(); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Start() without session error = %v, want ErrNotOpen", err)
	}
}

type fakeRealtime struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeRealtime) record(m string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return nil
}
func (f *fakeRealtime) AppendAudio(string) error { return f.record("append") }
func (f *fakeRealtime) CommitAudio() error       { return f.record("commit") }
func (f *fakeRealtime) CreateResponse() error    { return f.record("response") }

func TestStreamerCommitIsLast(t *testing.T) {
	sess, _ := openFake(t)
	out := &fakeRealtime{}
	s := NewStreamer(sess, out)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Write(frame(480, 0.3)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	_ = s.Write(frame(480, 0.3))

	want := []string{"append", "append", "append", "commit", "response"}
	if strings.Join(out.msgs, ",") != strings.Join(want, ",") {
		t.Fatalf("messages = %v, want %v", out.msgs, want)
	}
}

func TestStreamerStopWithoutAudioSendsNothing(t *testing.T) {
	sess, _ := openFake(t)
	out := &fakeRealtime{}
	s := NewStreamer(sess, out)
	_ = s.Start()
	_ = s.Stop()
	if len(out.msgs) != 0 {
		t.Fatalf("messages = %v, want none", out.msgs)
	}
}

func TestRemoteDeviceOpenAndPush(t *testing.T) {
	var closed int
	var dev *RemoteDevice
	dev = NewRemoteDevice(func(context.Context) error {
		go dev.ReportStatus(Status{Opened: true, SampleRate: 48000, Channels: 1})
		return nil
	}, func() { closed++ }, 4)

	stream, err := dev.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if stream.Format().SampleRate != 48000 {
		t.Fatalf("SampleRate = %d, want 48000", stream.Format().SampleRate)
	}
	if !dev.Push([]float32{0.1}, 0) {
		t.Fatalf("Push() = false, want true")
	}
	got := <-stream.Frames()
	if got.SampleRate != 48000 || len(got.Samples) != 1 {
		t.Fatalf("frame = %+v", got)
	}
	_ = stream.Close()
	_ = stream.Close()
	if closed != 1 {
		t.Fatalf("close requests = %d, want 1", closed)
	}
	if dev.Push([]float32{0.1}, 0) {
		t.Fatalf("Push() after close = true, want false")
	}
	if _, ok := <-stream.Frames(); ok {
		t.Fatalf("frames channel still open after Close")
	}
}

func TestRemoteDeviceDownmixesStereo(t *testing.T) {
	var dev *RemoteDevice
	dev = NewRemoteDevice(func(context.Context) error {
		go dev.ReportStatus(Status{Opened: true, SampleRate: 48000, Channels: 2})
		return nil
	}, nil, 4)
	sess, err := Open(context.Background(), dev, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer sess.Close()
	if f := sess.Format(); f.Channels != 1 || f.SampleRate != 48000 {
		t.Fatalf("Format() = %+v, want 48000Hz mono", f)
	}

	lease, err := sess.Acquire("test")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer lease.Release()

	interleaved := make([]float32, 48000) // 0.5s of stereo
	for i := range interleaved {
		if i%2 == 0 {
			interleaved[i] = 0.4
		}
	}
	if !dev.Push(interleaved, 48000) {
		t.Fatalf("Push() = false, want true")
	}

	r := NewRecorder(sess, 0)
	_ = r.Start()
	select {
	case f := <-lease.Frames():
		if len(f.Samples) != 24000 || f.Samples[0] != 0.2 {
			t.Fatalf("frame = %d samples first %v, want 24000 at 0.2", len(f.Samples), f.Samples[0])
		}
		r.Write(f)
	case <-time.After(time.Second):
		t.Fatalf("no frame delivered")
	}
	rec := r.Stop()
	if rec == nil || rec.Duration != 500*time.Millisecond {
		t.Fatalf("recording = %+v, want 500ms", rec)
	}
}

func TestRemoteDeviceReportsClassifiedFailure(t *testing.T) {
	var dev *RemoteDevice
	dev = NewRemoteDevice(func(context.Context) error {
		go dev.ReportStatus(Status{ErrorName: "NotAllowedError", Message: "denied by user"})
		return nil
	}, nil, 0)
	_, err := dev.Open(context.Background())
	if reliability.KindOf(err) != reliability.KindPermission {
		t.Fatalf("Open() error = %v, want permission kind", err)
	}
}

func TestRemoteDeviceOpenTimesOut(t *testing.T) {
	dev := NewRemoteDevice(nil, nil, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Open(ctx, dev, nil)
	if reliability.KindOf(err) != reliability.KindTimeout {
		t.Fatalf("Open() error = %v, want timeout kind", err)
	}
}
