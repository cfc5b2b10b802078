package realtime

import (
	"errors"

	"github.com/gorilla/websocket"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
)

// CloseReason names why a realtime connection ended.
type CloseReason string

const (
	CloseNormal          CloseReason = "normal"
	CloseProtocolError   CloseReason = "protocol_error"
	CloseUnsupportedData CloseReason = "unsupported_data"
	CloseConnectionLost  CloseReason = "connection_lost"
	CloseAuthFailed      CloseReason = "auth_failed"
	CloseServerError     CloseReason = "server_error"
	CloseTLSFailure      CloseReason = "tls_failure"
	CloseOther           CloseReason = "other"
)

// ClassifyClose maps a WebSocket close code to a reason.
func ClassifyClose(code int) CloseReason {
	switch code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway:
		return CloseNormal
	case websocket.CloseProtocolError:
		return CloseProtocolError
	case websocket.CloseUnsupportedData:
		return CloseUnsupportedData
	case websocket.CloseAbnormalClosure:
		return CloseConnectionLost
	case websocket.ClosePolicyViolation, 4001, 4003:
		return CloseAuthFailed
	case websocket.CloseInternalServerErr:
		return CloseServerError
	case websocket.CloseTLSHandshake:
		return CloseTLSFailure
	default:
		return CloseOther
	}
}

// Kind maps a reason onto the shared error taxonomy.
func (r CloseReason) Kind() reliability.Kind {
	switch r {
	case CloseNormal:
		return ""
	case CloseAuthFailed:
		return reliability.KindPermission
	case CloseConnectionLost, CloseTLSFailure:
		return reliability.KindNetwork
	case CloseServerError:
		return reliability.KindUnavailable
	case CloseProtocolError, CloseUnsupportedData:
		return reliability.KindProtocol
	default:
		return reliability.KindOther
	}
}

// Message is a short user-facing description.
func (r CloseReason) Message() string {
	switch r {
	case CloseNormal:
		return "Voice conversation ended."
	case CloseProtocolError:
		return "The voice service reported a protocol error."
	case CloseUnsupportedData:
		return "The voice service rejected the audio format."
	case CloseConnectionLost:
		return "Connection to the voice service was lost."
	case CloseAuthFailed:
		return "The voice service rejected the credentials."
	case CloseServerError:
		return "The voice service had an internal error."
	case CloseTLSFailure:
		return "Secure connection to the voice service failed."
	default:
		return "The voice service closed the connection."
	}
}

// closeReasonFor inspects a read error. Errors that are not close frames are
// treated as a lost connection.
func closeReasonFor(err error) (CloseReason, int) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ClassifyClose(ce.Code), ce.Code
	}
	return CloseConnectionLost, websocket.CloseAbnormalClosure
}
