package realtime

import (
	"time"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/command"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/conversation"
)

type EventType string

const (
	EventStateChanged    EventType = "state_changed"
	EventSessionReady    EventType = "session_ready"
	EventSpeechStarted   EventType = "speech_started"
	EventSpeechStopped   EventType = "speech_stopped"
	EventTurn            EventType = "turn"
	EventTextDelta       EventType = "text_delta"
	EventTranscriptDelta EventType = "transcript_delta"
	EventFirstAudio      EventType = "first_audio"
	EventResponseDone    EventType = "response_done"
	EventToolCall        EventType = "tool_call"
	EventError           EventType = "error"
	EventClosed          EventType = "closed"
)

// Event is what a Client publishes to its listeners.
type Event struct {
	Type  EventType
	State State
	Text  string
	Turn  *conversation.Turn
	// Command is set on EventToolCall when the arguments decoded.
	Command *command.Command
	Result  string
	Latency time.Duration
	Err     error
	Reason  CloseReason
	Code    int
}
