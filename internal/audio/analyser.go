package audio

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// AnalyserConfig mirrors the tunables of a browser AnalyserNode.
type AnalyserConfig struct {
	FFTSize     int
	MinDecibels float64
	MaxDecibels float64
	// Smoothing blends each bin with its previous magnitude, in [0,1).
	Smoothing float64
}

func DefaultAnalyserConfig() AnalyserConfig {
	return AnalyserConfig{
		FFTSize:     256,
		MinDecibels: -100,
		MaxDecibels: -30,
		Smoothing:   0.8,
	}
}

// Analyser keeps the most recent FFTSize samples of a stream and reports the
// average byte-scaled frequency magnitude (0 to 255) over them. Write and
// Level may be called from different goroutines.
type Analyser struct {
	cfg    AnalyserConfig
	fft    *fourier.FFT
	window []float64

	mu     sync.Mutex
	ring   []float32
	next   int
	filled bool
	prev   []float64
	buf    []float64
	coeffs []complex128
}

func NewAnalyser(cfg AnalyserConfig) *Analyser {
	def := DefaultAnalyserConfig()
	if cfg.FFTSize <= 0 || cfg.FFTSize&(cfg.FFTSize-1) != 0 {
		cfg.FFTSize = def.FFTSize
	}
	if cfg.MaxDecibels <= cfg.MinDecibels {
		cfg.MinDecibels, cfg.MaxDecibels = def.MinDecibels, def.MaxDecibels
	}
	if cfg.Smoothing < 0 || cfg.Smoothing >= 1 {
		cfg.Smoothing = def.Smoothing
	}
	n := cfg.FFTSize
	return &Analyser{
		cfg:    cfg,
		fft:    fourier.NewFFT(n),
		window: blackman(n),
		ring:   make([]float32, n),
		prev:   make([]float64, n/2),
		buf:    make([]float64, n),
	}
}

// Write appends mono samples to the analysis window.
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		// One non-finite sample would poison the smoothing state for good.
		if !finite(s) {
			s = 0
		}
		a.ring[a.next] = s
		a.next++
		if a.next == len(a.ring) {
			a.next = 0
			a.filled = true
		}
	}
}

// Reset clears buffered samples and smoothing state.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.ring {
		a.ring[i] = 0
	}
	for i := range a.prev {
		a.prev[i] = 0
	}
	a.next = 0
	a.filled = false
}

// Level returns the mean of the byte-scaled frequency bins for the current
// window.
func (a *Analyser) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.ring)
	// Oldest sample first so the window lines up with time order.
	for i := 0; i < n; i++ {
		a.buf[i] = float64(a.ring[(a.next+i)%n]) * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.buf)

	span := a.cfg.MaxDecibels - a.cfg.MinDecibels
	tau := a.cfg.Smoothing
	var sum float64
	bins := n / 2
	for k := 0; k < bins; k++ {
		c := a.coeffs[k]
		mag := math.Hypot(real(c), imag(c)) / float64(n)
		mag = tau*a.prev[k] + (1-tau)*mag
		a.prev[k] = mag
		sum += byteScale(mag, a.cfg.MinDecibels, span)
	}
	return sum / float64(bins)
}

func byteScale(mag, minDB, span float64) float64 {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	v := math.Floor(255 / span * (db - minDB))
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return v
	}
}

func blackman(n int) []float64 {
	const (
		a0 = 0.42
		a1 = 0.5
		a2 = 0.08
	)
	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}
