// Package capture owns the microphone stream and the two ways the pipeline
// consumes it: buffered command recordings and streamed conversation audio.
package capture

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
)

var (
	ErrNotOpen = errors.New("microphone stream is not open")
	ErrBusy    = errors.New("microphone stream is already in use")
	ErrClosed  = errors.New("microphone session closed")
)

// Format describes the samples a stream produces.
type Format struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// Frame is one block of mono float samples in [-1,1].
type Frame struct {
	Samples    []float32
	SampleRate int
	At         time.Time
}

// Stream is an open microphone. Frames is closed when the stream ends.
type Stream interface {
	Format() Format
	Frames() <-chan Frame
	Close() error
}

// Device opens microphone streams. Open must return an error produced by
// ClassifyDeviceError (or another reliability kind) when it fails.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// ClassifyDeviceError maps a platform error name (browser DOMException names
// included) to a classified error with an actionable message.
func ClassifyDeviceError(name, message string) error {
	const op = "capture.open"
	detail := strings.TrimSpace(message)
	switch strings.TrimSpace(name) {
	case "NotAllowedError", "PermissionDeniedError", "SecurityError", "permission_denied":
		return reliability.Newf(reliability.KindPermission, op,
			"microphone permission denied; allow microphone access and try again%s", suffix(detail))
	case "NotFoundError", "DevicesNotFoundError", "OverconstrainedError", "not_found":
		return reliability.Newf(reliability.KindDevice, op,
			"no microphone found; connect one and try again%s", suffix(detail))
	case "NotSupportedError", "TypeError", "unsupported":
		return reliability.Newf(reliability.KindUnsupported, op,
			"microphone capture is not supported in this environment%s", suffix(detail))
	default:
		if detail == "" {
			detail = "unknown microphone error"
		}
		if name != "" {
			detail = name + ": " + detail
		}
		return reliability.Newf(reliability.KindOther, op, "%s", detail)
	}
}

func suffix(detail string) string {
	if detail == "" {
		return ""
	}
	return " (" + detail + ")"
}
