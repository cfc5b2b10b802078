package voice

import (
	"context"
	"time"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/observability"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/protocol"
)

const (
	criticalSendTimeout = 600 * time.Millisecond
	streamSendTimeout   = 120 * time.Millisecond
)

// outbox writes to a connection's outbound queue. Critical messages wait
// briefly for room, streamed audio and text wait less, and everything else is
// dropped when the queue is full.
type outbox struct {
	ctx     context.Context
	ch      chan<- any
	metrics *observability.Metrics
}

func (o *outbox) send(msg any) bool {
	msgType, class := outboundMessageMeta(msg)
	record := func(result string) {
		if o.metrics != nil {
			o.metrics.ObserveOutboundMessage(msgType, result)
		}
	}
	drop := func() {
		if o.metrics != nil {
			o.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
		}
	}

	var timeout time.Duration
	switch class {
	case classCritical:
		timeout = criticalSendTimeout
	case classStream:
		timeout = streamSendTimeout
	default:
		select {
		case o.ch <- msg:
			record("delivered")
			return true
		case <-o.ctx.Done():
			record("closed")
			return false
		default:
			record("dropped")
			drop()
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o.ch <- msg:
		record("delivered")
		return true
	case <-o.ctx.Done():
		record("closed")
		return false
	case <-timer.C:
		record("timeout")
		drop()
		return false
	}
}

type sendClass int

const (
	classBestEffort sendClass = iota
	classStream
	classCritical
)

func outboundMessageMeta(msg any) (string, sendClass) {
	switch m := msg.(type) {
	case protocol.ErrorEvent:
		return string(m.Type), classCritical
	case protocol.PipelineState:
		return string(m.Type), classCritical
	case protocol.UIOperation:
		return string(m.Type), classCritical
	case protocol.MicRequest:
		return string(m.Type), classCritical
	case protocol.Notification:
		return string(m.Type), classCritical
	case protocol.Command:
		return string(m.Type), classCritical
	case protocol.Transcript:
		return string(m.Type), classCritical
	case protocol.AssistantTranscript:
		return string(m.Type), classCritical
	case protocol.AssistantAudioChunk:
		return string(m.Type), classStream
	case protocol.AssistantTextDelta:
		return string(m.Type), classStream
	case protocol.VADEvent:
		return string(m.Type), classBestEffort
	default:
		return "unknown", classBestEffort
	}
}
