package capture

import (
	"sync"
	"time"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/audio"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
)

// Recording is one assembled command-mode utterance.
type Recording struct {
	WAV        []byte
	SampleRate int
	Duration   time.Duration
	Chunks     int
}

// Recorder buffers PCM chunks between Start and Stop. It is reused across
// utterances on the same session.
type Recorder struct {
	session *Session
	preRoll int

	mu        sync.Mutex
	recording bool
	rate      int
	chunks    [][]byte
	samples   int
	history   []float32
}

// NewRecorder records from sess. preRoll keeps that much audio from before
// Start so the first syllable survives detection latency.
func NewRecorder(sess *Session, preRoll time.Duration) *Recorder {
	rate := 0
	if sess != nil {
		rate = sess.Format().SampleRate
	}
	n := 0
	if preRoll > 0 && rate > 0 {
		n = int(int64(rate) * int64(preRoll) / int64(time.Second))
	}
	return &Recorder{session: sess, preRoll: n, rate: rate}
}

// Start begins a new recording. It fails with a classified error when the
// underlying stream is not open.
func (r *Recorder) Start() error {
	if !r.session.IsOpen() {
		return reliability.New(reliability.KindDevice, "capture.recorder.start", ErrNotOpen)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return nil
	}
	r.recording = true
	r.chunks = r.chunks[:0]
	r.samples = 0
	if len(r.history) > 0 {
		r.appendLocked(r.history)
		r.history = r.history[:0]
	}
	return nil
}

// Write feeds one frame. Frames outside a recording only refresh pre-roll.
func (r *Recorder) Write(f Frame) {
	if len(f.Samples) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if f.SampleRate > 0 {
		r.rate = f.SampleRate
	}
	if r.recording {
		r.appendLocked(f.Samples)
		return
	}
	if r.preRoll == 0 {
		return
	}
	r.history = append(r.history, f.Samples...)
	if over := len(r.history) - r.preRoll; over > 0 {
		r.history = append(r.history[:0], r.history[over:]...)
	}
}

func (r *Recorder) appendLocked(samples []float32) {
	r.chunks = append(r.chunks, audio.Float32ToPCM16(samples))
	r.samples += len(samples)
}

// Trim drops everything in the current recording except the last pre-roll
// worth of samples. Callers invoke it when speech begins so an utterance does
// not carry the silence that preceded it.
func (r *Recorder) Trim() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording || r.samples <= r.preRoll {
		return
	}
	keep := r.preRoll * 2
	tail := make([]byte, 0, keep)
	for i := len(r.chunks) - 1; i >= 0 && len(tail) < keep; i-- {
		c := r.chunks[i]
		if need := keep - len(tail); len(c) > need {
			c = c[len(c)-need:]
		}
		tail = append(append([]byte(nil), c...), tail...)
	}
	r.chunks = r.chunks[:0]
	if len(tail) > 0 {
		r.chunks = append(r.chunks, tail)
	}
	r.samples = r.preRoll
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Elapsed reports how much audio the current recording holds.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return audio.Duration(r.samples, r.rate)
}

// Stop ends the recording and returns it, or nil when Start was never called
// or no chunk arrived.
func (r *Recorder) Stop() *Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return nil
	}
	r.recording = false
	if len(r.chunks) == 0 {
		return nil
	}

	size := 0
	for _, c := range r.chunks {
		size += len(c)
	}
	pcm := make([]byte, 0, size)
	for _, c := range r.chunks {
		pcm = append(pcm, c...)
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, r.rate)
	if err != nil {
		// Writing to a bytes.Buffer does not fail.
		return nil
	}
	rec := &Recording{
		WAV:        wav,
		SampleRate: r.rate,
		Duration:   audio.Duration(r.samples, r.rate),
		Chunks:     len(r.chunks),
	}
	r.chunks = r.chunks[:0]
	r.samples = 0
	return rec
}
