// Package realtime manages speech-to-speech sessions over the OpenAI Realtime
// WebSocket API.
package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/command"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/conversation"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/events"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/logging"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview-2024-12-17"
	DefaultVoice = "alloy"

	DefaultInstructions = "You are a helpful voice assistant inside an AI image editor. " +
		"Keep spoken replies short. When the user asks to change, create or export an image, " +
		"call execute_image_command instead of describing the change."
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateIdle         State = "idle"
	StateRecording    State = "recording"
	StateClosed       State = "closed"
)

var (
	ErrNotConnected   = errors.New("realtime session is not connected")
	ErrAlreadyStarted = errors.New("realtime session was already started")
)

// AudioSink receives decoded PCM16 24 kHz assistant audio as soon as it
// arrives.
type AudioSink interface {
	PlayAudio(pcm16 []byte)
}

// ToolExecutor runs an editor command requested by the model and returns the
// text handed back as the function output.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, cmd command.Command) (string, error)
}

type Config struct {
	URL            string
	APIKey         string
	Model          string
	Voice          string
	Instructions   string
	ConnectTimeout time.Duration
	// ReadTimeout bounds silence from the server; zero disables it.
	ReadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.Instructions == "" {
		c.Instructions = DefaultInstructions
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	return c
}

// Client is one realtime connection. It is never reconnected; open a new
// one through Manager instead.
type Client struct {
	cfg   Config
	sink  AudioSink
	tools ToolExecutor
	log   logrus.FieldLogger
	now   func() time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu             sync.Mutex
	state          State
	reading        bool
	responseAt     time.Time
	awaitingAudio  bool
	transcriptPart strings.Builder

	bus  *events.Bus[Event]
	conv *conversation.Conversation

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(cfg Config, sink AudioSink, tools ToolExecutor, log logrus.FieldLogger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg.withDefaults(),
		sink:   sink,
		tools:  tools,
		log:    logging.Component(log, "realtime"),
		now:    time.Now,
		state:  StateDisconnected,
		bus:    events.NewBus[Event](),
		conv:   conversation.New(nil),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Subscribe registers a listener for client events.
func (c *Client) Subscribe(fn func(Event)) func() { return c.bus.Subscribe(fn) }

func (c *Client) Conversation() *conversation.Conversation { return c.conv }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the read loop has exited or the client was closed.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.bus.Emit(Event{Type: EventStateChanged, State: s})
}

// Connect dials the service and configures the session. On failure the
// client is closed and sends nothing further.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return reliability.New(reliability.KindValidation, "realtime.connect", ErrAlreadyStarted)
	}
	c.mu.Unlock()
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		c.Close()
		return reliability.New(reliability.KindValidation, "realtime.connect", errors.New("OPENAI_API_KEY is not set"))
	}
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	target, err := c.dialURL()
	if err != nil {
		c.Close()
		return reliability.New(reliability.KindValidation, "realtime.connect", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout, Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(dialCtx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.Close()
		return classifyDialError(dialCtx, resp, err)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return reliability.New(reliability.KindNetwork, "realtime.connect", ErrNotConnected)
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.send(c.sessionUpdate()); err != nil {
		c.Close()
		return reliability.New(reliability.KindNetwork, "realtime.session_update", err)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return reliability.New(reliability.KindNetwork, "realtime.connect", ErrNotConnected)
	}
	c.reading = true
	c.mu.Unlock()
	go c.readLoop()
	c.setState(StateIdle)
	c.log.WithField("model", c.cfg.Model).Info("realtime session connected")
	return nil
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", c.cfg.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func classifyDialError(ctx context.Context, resp *http.Response, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return reliability.New(reliability.KindTimeout, "realtime.connect", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return reliability.New(reliability.KindTimeout, "realtime.connect", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if resp != nil && resp.StatusCode >= 400 {
		return reliability.New(reliability.KindForHTTPStatus(resp.StatusCode), "realtime.connect", err)
	}
	return reliability.New(reliability.KindNetwork, "realtime.connect", err)
}

func (c *Client) sessionUpdate() map[string]any {
	return map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":          []string{"text", "audio"},
			"instructions":        c.cfg.Instructions,
			"voice":               c.cfg.Voice,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           0.5,
				"prefix_padding_ms":   300,
				"silence_duration_ms": 500,
			},
			"tools":       []any{command.ToolDefinition()},
			"tool_choice": "auto",
		},
	}
}

// AppendAudio streams one base64 PCM16 chunk into the input buffer.
func (c *Client) AppendAudio(pcm16Base64 string) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	c.setState(StateRecording)
	return c.send(map[string]any{"type": "input_audio_buffer.append", "audio": pcm16Base64})
}

// CommitAudio ends the current utterance.
func (c *Client) CommitAudio() error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	err := c.send(map[string]any{"type": "input_audio_buffer.commit"})
	c.setState(StateIdle)
	return err
}

// CreateResponse asks the model to answer.
func (c *Client) CreateResponse() error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	c.markResponseRequested()
	return c.send(map[string]any{"type": "response.create"})
}

// CancelResponse interrupts the assistant.
func (c *Client) CancelResponse() error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	return c.send(map[string]any{"type": "response.cancel"})
}

// SendText adds a typed user message and requests a response. The turn is
// recorded when the server echoes the item.
func (c *Client) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return reliability.New(reliability.KindValidation, "realtime.send_text", conversation.ErrEmptyTurn)
	}
	if err := c.requireOpen(); err != nil {
		return err
	}
	err := c.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
	if err != nil {
		return err
	}
	return c.CreateResponse()
}

func (c *Client) requireOpen() error {
	switch c.State() {
	case StateIdle, StateRecording:
		return nil
	default:
		return reliability.New(reliability.KindValidation, "realtime.send", ErrNotConnected)
	}
}

func (c *Client) markResponseRequested() {
	c.mu.Lock()
	c.responseAt = c.now()
	c.awaitingAudio = true
	c.mu.Unlock()
}

// send serializes every outbound frame through writeMu.
func (c *Client) send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode realtime message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	conn := c.conn
	closed := c.state == StateClosed
	c.mu.Unlock()
	if conn == nil || closed {
		return reliability.New(reliability.KindValidation, "realtime.send", ErrNotConnected)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return reliability.New(reliability.KindNetwork, "realtime.send", err)
	}
	return nil
}

// Close ends the session. It is idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		wasOpen := c.state == StateIdle || c.state == StateRecording
		reading := c.reading
		c.mu.Unlock()

		if conn != nil && wasOpen {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
		}
		c.setState(StateClosed)
		c.cancel()
		c.conv.Complete()
		if conn != nil {
			err = conn.Close()
		}
		// The read loop closes done itself once it observes the closed conn.
		if !reading {
			close(c.done)
		}
		if wasOpen {
			c.bus.Emit(Event{Type: EventClosed, Reason: CloseNormal, Code: websocket.CloseNormalClosure})
		}
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		if c.cfg.ReadTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.WithError(err).Debug("skip undecodable realtime message")
			continue
		}
		c.route(ev)
	}
}

func (c *Client) handleReadError(err error) {
	if c.State() == StateClosed {
		return
	}
	reason, code := closeReasonFor(err)
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		c.cancel()
		c.conv.Complete()
		_ = c.conn.Close()
	})
	if kind := reason.Kind(); kind != "" {
		c.log.WithFields(logrus.Fields{"reason": reason, "code": code}).Warn("realtime connection closed")
		c.bus.Emit(Event{
			Type:   EventError,
			Err:    reliability.New(kind, "realtime.read", fmt.Errorf("%s: %w", reason.Message(), err)),
			Reason: reason,
			Code:   code,
		})
	}
	c.bus.Emit(Event{Type: EventClosed, Reason: reason, Code: code})
}

type serverEvent struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta"`
	Transcript string       `json:"transcript"`
	ItemID     string       `json:"item_id"`
	CallID     string       `json:"call_id"`
	Name       string       `json:"name"`
	Arguments  string       `json:"arguments"`
	Item       *serverItem  `json:"item"`
	Error      *serverError `json:"error"`
}

type serverItem struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		Transcript string `json:"transcript"`
	} `json:"content"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) route(ev serverEvent) {
	switch ev.Type {
	case "session.created", "session.updated":
		c.bus.Emit(Event{Type: EventSessionReady, Text: ev.Type})
	case "conversation.item.created":
		c.handleItemCreated(ev.Item)
	case "conversation.item.input_audio_transcription.completed":
		c.appendTurn(conversation.RoleUser, ev.Transcript)
	case "input_audio_buffer.speech_started":
		c.bus.Emit(Event{Type: EventSpeechStarted})
	case "input_audio_buffer.speech_stopped":
		// server_vad commits on its own; the response follows.
		c.markResponseRequested()
		c.bus.Emit(Event{Type: EventSpeechStopped})
	case "response.audio.delta":
		c.handleAudioDelta(ev.Delta)
	case "response.text.delta":
		c.bus.Emit(Event{Type: EventTextDelta, Text: ev.Delta})
	case "response.audio_transcript.delta":
		c.mu.Lock()
		c.transcriptPart.WriteString(ev.Delta)
		c.mu.Unlock()
		c.bus.Emit(Event{Type: EventTranscriptDelta, Text: ev.Delta})
	case "response.audio_transcript.done":
		text := ev.Transcript
		c.mu.Lock()
		if text == "" {
			text = c.transcriptPart.String()
		}
		c.transcriptPart.Reset()
		c.mu.Unlock()
		c.appendTurn(conversation.RoleAssistant, text)
	case "response.function_call_arguments.done":
		go c.handleFunctionCall(ev)
	case "response.done":
		c.mu.Lock()
		c.awaitingAudio = false
		c.mu.Unlock()
		c.bus.Emit(Event{Type: EventResponseDone})
	case "error":
		msg := "unknown realtime error"
		code := ""
		if ev.Error != nil {
			msg, code = ev.Error.Message, ev.Error.Code
		}
		kind := reliability.KindProtocol
		if strings.Contains(code, "rate_limit") || strings.Contains(code, "server_error") {
			kind = reliability.KindUnavailable
		}
		c.bus.Emit(Event{Type: EventError, Err: reliability.Newf(kind, "realtime.server", "%s (%s)", msg, code)})
	}
}

func (c *Client) handleItemCreated(item *serverItem) {
	if item == nil || item.Type != "message" {
		return
	}
	var role conversation.Role
	switch item.Role {
	case "user":
		role = conversation.RoleUser
	case "assistant":
		role = conversation.RoleAssistant
	default:
		return
	}
	var text strings.Builder
	for _, part := range item.Content {
		if part.Type == "input_text" || part.Type == "text" {
			text.WriteString(part.Text)
		}
	}
	if text.Len() > 0 {
		c.appendTurn(role, text.String())
	}
}

func (c *Client) appendTurn(role conversation.Role, text string) {
	turn, err := c.conv.Append(role, text)
	if err != nil {
		return
	}
	c.bus.Emit(Event{Type: EventTurn, Turn: &turn, Text: turn.Content})
}

func (c *Client) handleAudioDelta(delta string) {
	if delta == "" {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(delta)
	if err != nil {
		c.log.WithError(err).Debug("skip malformed audio delta")
		return
	}
	c.mu.Lock()
	first := c.awaitingAudio && !c.responseAt.IsZero()
	var latency time.Duration
	if first {
		latency = c.now().Sub(c.responseAt)
		c.awaitingAudio = false
	}
	c.mu.Unlock()
	if first {
		c.bus.Emit(Event{Type: EventFirstAudio, Latency: latency})
	}
	if c.sink != nil {
		c.sink.PlayAudio(pcm)
	}
}

func (c *Client) handleFunctionCall(ev serverEvent) {
	result := c.executeTool(ev)
	err := c.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": ev.CallID,
			"output":  result,
		},
	})
	if err != nil {
		c.log.WithError(err).Warn("send function output failed")
		return
	}
	if err := c.CreateResponse(); err != nil {
		c.log.WithError(err).Warn("request response after tool call failed")
	}
}

func (c *Client) executeTool(ev serverEvent) string {
	if ev.Name != command.ToolName {
		c.log.WithField("tool", ev.Name).Warn("model called unknown tool")
		return fmt.Sprintf("Unknown tool %q.", ev.Name)
	}
	cmd, err := command.FromToolArgs(ev.Arguments, c.now().UTC())
	if err != nil {
		c.bus.Emit(Event{Type: EventToolCall, Err: err, Result: err.Error()})
		return "Error: " + err.Error()
	}
	if c.tools == nil {
		return "No editor is attached."
	}
	result, err := c.tools.ExecuteTool(c.ctx, cmd)
	if err != nil {
		result = "Error: " + err.Error()
	}
	c.bus.Emit(Event{Type: EventToolCall, Command: &cmd, Result: result, Err: err})
	return result
}
