// Package protocol defines the JSON messages exchanged with the editor over
// the session WebSocket.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioFrame  MessageType = "client_audio_frame"
	TypeClientControl     MessageType = "client_control"
	TypeMicStatus         MessageType = "mic_status"
	TypeClientText        MessageType = "client_text"
	TypeUIOperationResult MessageType = "ui_operation_result"

	TypePipelineState       MessageType = "pipeline_state"
	TypeVADEvent            MessageType = "vad_event"
	TypeTranscript          MessageType = "transcript"
	TypeCommand             MessageType = "command"
	TypeUIOperation         MessageType = "ui_operation"
	TypeMicRequest          MessageType = "mic_request"
	TypeNotification        MessageType = "notification"
	TypeAssistantTextDelta  MessageType = "assistant_text_delta"
	TypeAssistantAudio      MessageType = "assistant_audio_chunk"
	TypeAssistantTranscript MessageType = "assistant_transcript"
	TypeErrorEvent          MessageType = "error_event"
)

// Control actions carried by client_control.
const (
	ActionStartListening = "start_listening"
	ActionStopListening  = "stop_listening"
	ActionCancelResponse = "cancel_response"
	ActionEnd            = "end"
)

// Pipeline modes.
const (
	ModeCommand      = "command"
	ModeConversation = "conversation"
)

// Audio frame encodings.
const (
	EncodingPCM16 = "pcm16"
	EncodingF32LE = "f32le"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientAudioFrame is one block of microphone samples, mono, little endian.
type ClientAudioFrame struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	Encoding    string      `json:"encoding,omitempty"`
	AudioBase64 string      `json:"audio_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Mode      string      `json:"mode,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

// MicStatus answers a mic_request. ErrorName carries the platform error name
// (NotAllowedError, NotFoundError, ...) when Opened is false.
type MicStatus struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Opened     bool        `json:"opened"`
	ErrorName  string      `json:"error_name,omitempty"`
	Message    string      `json:"message,omitempty"`
	SampleRate int         `json:"sample_rate,omitempty"`
	Channels   int         `json:"channels,omitempty"`
}

type ClientText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

// UIOperationResult reports how the editor handled a ui_operation.
type UIOperationResult struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	OpID      string      `json:"op_id"`
	OK        bool        `json:"ok"`
	Error     string      `json:"error,omitempty"`
}

type PipelineState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	Mode      string      `json:"mode,omitempty"`
	Realtime  string      `json:"realtime,omitempty"`
}

type VADEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Event     string      `json:"event"`
	SpeechMs  int64       `json:"speech_ms,omitempty"`
	TSMs      int64       `json:"ts_ms"`
}

type Transcript struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Text       string      `json:"text"`
	Confidence *float64    `json:"confidence,omitempty"`
	Language   string      `json:"language,omitempty"`
	Kind       string      `json:"kind"`
	Source     string      `json:"source"`
	TSMs       int64       `json:"ts_ms"`
}

type Command struct {
	Type       MessageType    `json:"type"`
	SessionID  string         `json:"session_id"`
	Action     string         `json:"action"`
	Target     string         `json:"target,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Confidence float64        `json:"confidence"`
	Source     string         `json:"source"`
	Fallback   bool           `json:"fallback,omitempty"`
}

// UIOperation asks the editor to run one operation. The editor replies with a
// ui_operation_result carrying the same op_id.
type UIOperation struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"session_id"`
	OpID      string         `json:"op_id"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
}

// MicRequest asks the editor to open or close its microphone.
type MicRequest struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

type Notification struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Level      string      `json:"level"`
	Title      string      `json:"title"`
	Message    string      `json:"message"`
	Action     string      `json:"action,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
}

type AssistantTextDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TextDelta string      `json:"text_delta"`
}

type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	SampleRate  int         `json:"sample_rate,omitempty"`
	AudioBase64 string      `json:"audio_base64"`
}

type AssistantTranscript struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Text      string      `json:"text"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes and validates one inbound message.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioFrame:
		var msg ClientAudioFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Encoding == "" {
			msg.Encoding = EncodingPCM16
		}
		if msg.SessionID == "" || msg.AudioBase64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_frame")
		}
		if msg.Encoding != EncodingPCM16 && msg.Encoding != EncodingF32LE {
			return nil, fmt.Errorf("invalid client_audio_frame encoding %q", msg.Encoding)
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionStartListening:
			msg.Mode = strings.ToLower(strings.TrimSpace(msg.Mode))
			if msg.Mode == "" {
				msg.Mode = ModeCommand
			}
			if msg.Mode != ModeCommand && msg.Mode != ModeConversation {
				return nil, fmt.Errorf("invalid client_control mode %q", msg.Mode)
			}
		case ActionStopListening, ActionCancelResponse, ActionEnd:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	case TypeMicStatus:
		var msg MicStatus
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid mic_status")
		}
		return msg, nil
	case TypeClientText:
		var msg ClientText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid client_text")
		}
		return msg, nil
	case TypeUIOperationResult:
		var msg UIOperationResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.OpID == "" {
			return nil, errors.New("invalid ui_operation_result")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the type of any message defined here.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ClientAudioFrame:
		return m.Type, true
	case ClientControl:
		return m.Type, true
	case MicStatus:
		return m.Type, true
	case ClientText:
		return m.Type, true
	case UIOperationResult:
		return m.Type, true
	case PipelineState:
		return m.Type, true
	case VADEvent:
		return m.Type, true
	case Transcript:
		return m.Type, true
	case Command:
		return m.Type, true
	case UIOperation:
		return m.Type, true
	case MicRequest:
		return m.Type, true
	case Notification:
		return m.Type, true
	case AssistantTextDelta:
		return m.Type, true
	case AssistantAudioChunk:
		return m.Type, true
	case AssistantTranscript:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
