package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/audio"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/dispatch"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/protocol"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
)

// Editor operation names carried by ui_operation.
const (
	OpGenerate         = "generate"
	OpEdit             = "edit"
	OpAdjust           = "adjust"
	OpApplyFilter      = "apply_filter"
	OpTransform        = "transform"
	OpRemoveBackground = "remove_background"
	OpCaptureWebcam    = "capture_webcam"
	OpStartWebcam      = "start_webcam"
	OpUpload           = "upload"
	OpSave             = "save"
	OpExport           = "export"
	OpClear            = "clear"
	OpUndo             = "undo"
	OpRedo             = "redo"
)

var errHostGone = errors.New("editor disconnected")

// HostOperations runs editor operations by sending ui_operation messages and
// waiting for the matching ui_operation_result. It also carries notifications
// and assistant audio to the editor.
type HostOperations struct {
	sessionID string
	out       *outbox
	timeout   time.Duration

	mu      sync.Mutex
	pending map[string]chan protocol.UIOperationResult
	closed  bool

	audioSeq atomic.Int64
}

func newHostOperations(sessionID string, out *outbox, timeout time.Duration) *HostOperations {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HostOperations{
		sessionID: sessionID,
		out:       out,
		timeout:   timeout,
		pending:   make(map[string]chan protocol.UIOperationResult),
	}
}

// Call sends one operation and waits for the editor's answer.
func (h *HostOperations) Call(ctx context.Context, op string, params map[string]any) error {
	id := ulid.Make().String()
	reply := make(chan protocol.UIOperationResult, 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return reliability.New(reliability.KindUnavailable, "host."+op, errHostGone)
	}
	h.pending[id] = reply
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	if !h.out.send(protocol.UIOperation{
		Type:      protocol.TypeUIOperation,
		SessionID: h.sessionID,
		OpID:      id,
		Operation: op,
		Params:    params,
	}) {
		return reliability.Newf(reliability.KindUnavailable, "host."+op, "could not reach the editor")
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	select {
	case res, ok := <-reply:
		if !ok {
			return reliability.New(reliability.KindUnavailable, "host."+op, errHostGone)
		}
		if !res.OK {
			msg := res.Error
			if msg == "" {
				msg = "editor reported a failure"
			}
			return reliability.Newf(reliability.KindOther, "host."+op, "%s", msg)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return reliability.Newf(reliability.KindTimeout, "host."+op, "editor did not answer within %s", h.timeout)
	}
}

// Resolve delivers an editor answer. Unknown ids are ignored.
func (h *HostOperations) Resolve(res protocol.UIOperationResult) bool {
	h.mu.Lock()
	reply, ok := h.pending[res.OpID]
	if ok {
		delete(h.pending, res.OpID)
	}
	h.mu.Unlock()
	if ok {
		reply <- res
	}
	return ok
}

// Close fails every pending call and rejects new ones.
func (h *HostOperations) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, reply := range h.pending {
		close(reply)
		delete(h.pending, id)
	}
}

// Operations exposes the editor as a dispatch table.
func (h *HostOperations) Operations() dispatch.Operations {
	noArgs := func(op string) func(context.Context) error {
		return func(ctx context.Context) error { return h.Call(ctx, op, nil) }
	}
	return dispatch.Operations{
		Generate: func(ctx context.Context, prompt string) error {
			return h.Call(ctx, OpGenerate, map[string]any{"prompt": prompt})
		},
		Edit: func(ctx context.Context, prompt string) error {
			return h.Call(ctx, OpEdit, map[string]any{"prompt": prompt})
		},
		Adjust: func(ctx context.Context, target string, value float64) error {
			return h.Call(ctx, OpAdjust, map[string]any{"target": target, "value": value})
		},
		ApplyFilter: func(ctx context.Context, name string) error {
			return h.Call(ctx, OpApplyFilter, map[string]any{"filter": name})
		},
		Transform: func(ctx context.Context, kind string, params map[string]any) error {
			p := make(map[string]any, len(params)+1)
			for k, v := range params {
				p[k] = v
			}
			p["kind"] = kind
			return h.Call(ctx, OpTransform, p)
		},
		RemoveBackground: noArgs(OpRemoveBackground),
		CaptureWebcam:    noArgs(OpCaptureWebcam),
		StartWebcam:      noArgs(OpStartWebcam),
		Upload:           noArgs(OpUpload),
		Save:             noArgs(OpSave),
		Export: func(ctx context.Context, format string) error {
			return h.Call(ctx, OpExport, map[string]any{"format": format})
		},
		Clear: noArgs(OpClear),
		Undo:  noArgs(OpUndo),
		Redo:  noArgs(OpRedo),
	}
}

// Notify implements dispatch.Notifier.
func (h *HostOperations) Notify(n dispatch.Notification) {
	h.out.send(protocol.Notification{
		Type:       protocol.TypeNotification,
		SessionID:  h.sessionID,
		Level:      string(n.Level),
		Title:      n.Title,
		Message:    n.Message,
		Action:     string(n.Action),
		Confidence: n.Confidence,
	})
}

// PlayAudio implements realtime.AudioSink. Chunks are forwarded as they
// arrive.
func (h *HostOperations) PlayAudio(pcm16 []byte) {
	h.sendAudio("pcm16", audio.RealtimeSampleRate, pcm16)
}

func (h *HostOperations) sendAudio(format string, sampleRate int, data []byte) {
	if len(data) == 0 {
		return
	}
	h.out.send(protocol.AssistantAudioChunk{
		Type:        protocol.TypeAssistantAudio,
		SessionID:   h.sessionID,
		Seq:         int(h.audioSeq.Add(1)),
		Format:      format,
		SampleRate:  sampleRate,
		AudioBase64: base64.StdEncoding.EncodeToString(data),
	})
}

func (h *HostOperations) requestMic(action string) bool {
	return h.out.send(protocol.MicRequest{Type: protocol.TypeMicRequest, SessionID: h.sessionID, Action: action})
}
