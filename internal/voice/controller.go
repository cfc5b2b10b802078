package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/audio"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/capture"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/command"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/conversation"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/dispatch"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/memory"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/observability"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/protocol"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/realtime"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/session"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/transcribe"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/vad"
)

// State is the pipeline state of one editor connection.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateConversing State = "conversing"
	StateClosed     State = "closed"
)

var (
	ErrClosed         = errors.New("voice pipeline closed")
	ErrAlreadyRunning = errors.New("voice pipeline is already listening")
)

// Config tunes one pipeline.
type Config struct {
	VAD          vad.Config
	Analyser     audio.AnalyserConfig
	MinUtterance time.Duration
	// PreRoll is how much audio before speech start an utterance keeps.
	// Zero means 300ms; negative disables it.
	PreRoll time.Duration
	// MicOpenTimeout bounds the wait for the editor's mic_status.
	MicOpenTimeout time.Duration
	// OperationTimeout bounds the wait for a ui_operation_result.
	OperationTimeout   time.Duration
	Language           string
	Voice              string
	SpokenConfirmation bool
	HistorySize        int
}

func (c Config) withDefaults() Config {
	if c.MinUtterance <= 0 {
		c.MinUtterance = 400 * time.Millisecond
	}
	switch {
	case c.PreRoll == 0:
		c.PreRoll = 300 * time.Millisecond
	case c.PreRoll < 0:
		c.PreRoll = 0
	}
	if c.MicOpenTimeout <= 0 {
		c.MicOpenTimeout = 15 * time.Second
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 30 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 6
	}
	return c
}

// Controller drives the voice pipeline for one editor connection. State only
// changes through StartListening, StopListening, the utterance and realtime
// callbacks, and Close.
type Controller struct {
	sessionID   string
	cfg         Config
	log         logrus.FieldLogger
	metrics     *observability.Metrics
	sessions    *session.Manager
	out         *outbox
	host        *HostOperations
	device      *capture.RemoteDevice
	transcriber transcribe.Transcriber
	interpreter Interpreter
	dispatcher  *dispatch.Dispatcher
	realtime    *realtime.Manager
	turns       *memory.Recorder
	// levels overrides the analyser as the detector's input when set.
	levels func(*audio.Analyser) vad.LevelSource

	ctx      context.Context
	cancel   context.CancelFunc
	controls chan func()
	workers  sync.WaitGroup
	gen      atomic.Uint64

	mu          sync.Mutex
	state       State
	mode        string
	startCancel context.CancelFunc
	mic         *capture.Session
	recorder    *capture.Recorder
	monitor     *vad.Monitor
	pump        *framePump
	streamer    *capture.Streamer
	rt          *realtime.Client
	rtUnsub     func()
	history     []string
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// enqueue runs fn on the control goroutine so start and stop requests apply
// in arrival order.
func (c *Controller) enqueue(fn func()) {
	select {
	case c.controls <- fn:
	case <-c.ctx.Done():
	}
}

func (c *Controller) runControls() {
	defer c.workers.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case fn := <-c.controls:
			fn()
		}
	}
}

// spawn runs fn in the background; Close waits for it.
func (c *Controller) spawn(fn func()) {
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		fn()
	}()
}

// StartListening opens the microphone if needed and starts the given mode.
func (c *Controller) StartListening(mode string) error {
	c.mu.Lock()
	switch {
	case c.state == StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case c.state != StateIdle:
		c.mu.Unlock()
		return reliability.New(reliability.KindValidation, "voice.start", ErrAlreadyRunning)
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.startCancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.startCancel = nil
		c.mu.Unlock()
		cancel()
	}()

	mic, err := c.ensureMic(ctx)
	if err != nil {
		c.failStart("mic_"+string(reliability.KindOf(err)), "capture", err)
		return err
	}
	if mode == protocol.ModeConversation {
		err = c.startConversation(ctx, mic)
	} else {
		err = c.startCommand(mic)
	}
	if err != nil {
		c.failStart("start_listening_failed", "voice", err)
		return err
	}
	if c.metrics != nil {
		c.metrics.SessionEvents.WithLabelValues("listen_" + mode).Inc()
	}
	if c.sessions != nil {
		_ = c.sessions.SetMode(c.sessionID, session.Mode(mode))
	}
	c.publishState()
	return nil
}

func (c *Controller) failStart(code, source string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	c.reportError(code, source, err)
}

func (c *Controller) ensureMic(ctx context.Context) (*capture.Session, error) {
	c.mu.Lock()
	mic := c.mic
	c.mu.Unlock()
	if mic.IsOpen() {
		return mic, nil
	}

	openCtx, cancel := context.WithTimeout(ctx, c.cfg.MicOpenTimeout)
	defer cancel()
	mic, err := capture.Open(openCtx, c.device, c.log)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.mic = mic
	c.recorder = capture.NewRecorder(mic, c.cfg.PreRoll)
	c.mu.Unlock()
	return mic, nil
}

func (c *Controller) startCommand(mic *capture.Session) error {
	// Command mode never shares the microphone with a conversation.
	c.closeRealtime()

	lease, err := mic.Acquire("command")
	if err != nil {
		return err
	}
	gen := c.gen.Add(1)
	analyser := audio.NewAnalyser(c.cfg.Analyser)

	c.mu.Lock()
	recorder := c.recorder
	c.mu.Unlock()

	detector := vad.NewDetector(c.cfg.VAD, vad.Callbacks{
		OnSpeechStart: func(at time.Time) {
			if c.gen.Load() != gen {
				return
			}
			if err := recorder.Start(); err != nil {
				c.log.WithError(err).Warn("recorder start failed")
			}
			// Keep pre-roll, drop the silence recorded since listening began.
			recorder.Trim()
			c.vadEvent("speech_start", 0, at)
		},
		OnSpeechEnd: func(at time.Time, speech time.Duration) {
			if c.gen.Load() != gen {
				return
			}
			c.vadEvent("speech_end", speech, at)
			// Callbacks run on the monitor goroutine, which finishUtterance stops.
			c.spawn(func() { c.finishUtterance(gen, at) })
		},
		OnSpeechDiscarded: func(at time.Time, speech time.Duration) {
			if c.gen.Load() != gen {
				return
			}
			// Drop the burst and keep recording.
			recorder.Stop()
			_ = recorder.Start()
			c.countUtterance("discarded")
			c.observeIndicator(observability.IndicatorBurstDiscarded)
			c.vadEvent("speech_discarded", speech, at)
		},
	})
	var levels vad.LevelSource = analyser
	if c.levels != nil {
		levels = c.levels(analyser)
	}
	monitor := vad.NewMonitor(detector, levels)
	// Recording runs from start listening so a manual stop still has audio.
	if err := recorder.Start(); err != nil {
		lease.Release()
		return err
	}
	pump := startFramePump(lease, func(f capture.Frame) {
		analyser.Write(f.Samples)
		recorder.Write(f)
	}, func() { c.spawn(func() { c.onStreamEnded(gen) }) })

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		pump.halt()
		return ErrClosed
	}
	c.state = StateListening
	c.mode = protocol.ModeCommand
	c.monitor = monitor
	c.pump = pump
	c.mu.Unlock()
	monitor.Start(c.ctx)
	return nil
}

func (c *Controller) startConversation(ctx context.Context, mic *capture.Session) error {
	client, err := c.openRealtime(ctx)
	if err != nil {
		return err
	}
	lease, err := mic.Acquire("conversation")
	if err != nil {
		return err
	}
	streamer := capture.NewStreamer(mic, client)
	if err := streamer.Start(); err != nil {
		lease.Release()
		return err
	}
	gen := c.gen.Add(1)
	pump := startFramePump(lease, func(f capture.Frame) {
		if err := streamer.Write(f); err != nil {
			c.log.WithError(err).Debug("append audio failed")
		}
	}, func() { c.spawn(func() { c.onStreamEnded(gen) }) })

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		pump.halt()
		return ErrClosed
	}
	c.state = StateConversing
	c.mode = protocol.ModeConversation
	c.streamer = streamer
	c.pump = pump
	c.mu.Unlock()
	return nil
}

// openRealtime reuses the open realtime session or opens a new one.
func (c *Controller) openRealtime(ctx context.Context) (*realtime.Client, error) {
	if cur := c.realtime.Current(); cur != nil {
		c.mu.Lock()
		same := cur == c.rt
		c.mu.Unlock()
		if same {
			return cur, nil
		}
	}
	started := time.Now()
	client, err := c.realtime.Open(ctx, c.host, c.dispatcher)
	if err != nil {
		return nil, err
	}
	c.observeStage(observability.StageRealtimeConnect, time.Since(started))
	unsub := client.Subscribe(func(ev realtime.Event) { c.onRealtimeEvent(client, ev) })

	c.mu.Lock()
	prevUnsub := c.rtUnsub
	c.rt = client
	c.rtUnsub = unsub
	c.mu.Unlock()
	if prevUnsub != nil {
		prevUnsub()
	}
	if c.sessions != nil {
		_ = c.sessions.SetConversation(c.sessionID, client.Conversation().ID())
	}
	return client, nil
}

func (c *Controller) closeRealtime() {
	c.mu.Lock()
	client, unsub := c.rt, c.rtUnsub
	c.rt, c.rtUnsub = nil, nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if client != nil {
		c.realtime.CloseIf(client)
	}
}

// StopListening ends the current mode. A command recording long enough to
// hold speech is still transcribed; a conversation still commits whatever was
// streamed.
func (c *Controller) StopListening(reason string) {
	c.mu.Lock()
	state, mode := c.state, c.mode
	if state == StateIdle || state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.gen.Add(1)
	monitor, pump, streamer := c.monitor, c.pump, c.streamer
	c.monitor, c.pump, c.streamer = nil, nil, nil
	recorder := c.recorder
	c.state = StateIdle
	c.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
	if pump != nil {
		pump.halt()
	}
	c.log.WithFields(logrus.Fields{"mode": mode, "reason": reason}).Debug("stop listening")

	switch mode {
	case protocol.ModeCommand:
		if state == StateListening && recorder != nil {
			if rec := recorder.Stop(); rec != nil {
				c.spawn(func() { c.processRecording(c.ctx, rec, time.Now()) })
			}
		}
	case protocol.ModeConversation:
		if streamer != nil {
			if err := streamer.Stop(); err != nil {
				c.reportError("commit_failed", "realtime", err)
			}
		}
	}
	c.publishState()
}

// CancelStart aborts a StartListening that is waiting on the editor or the
// realtime service.
func (c *Controller) CancelStart() {
	c.mu.Lock()
	cancel := c.startCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// finishUtterance transcribes the utterance that ended at endedAt, then
// listens again unless the pipeline moved on meanwhile.
func (c *Controller) finishUtterance(gen uint64, endedAt time.Time) {
	c.mu.Lock()
	if c.gen.Load() != gen || c.state != StateListening {
		c.mu.Unlock()
		return
	}
	c.state = StateProcessing
	monitor, recorder := c.monitor, c.recorder
	c.mu.Unlock()

	monitor.Stop()
	// Transcription starts only after the recorder stopped.
	rec := recorder.Stop()
	c.publishState()
	c.processRecording(c.ctx, rec, endedAt)

	c.mu.Lock()
	rearm := c.gen.Load() == gen && c.state == StateProcessing
	var startErr error
	var pump *framePump
	if rearm {
		if startErr = recorder.Start(); startErr != nil {
			// The microphone went away while we were busy.
			c.gen.Add(1)
			c.state = StateIdle
			pump = c.pump
			c.monitor, c.pump = nil, nil
		} else {
			c.state = StateListening
			monitor.Start(c.ctx)
		}
	}
	c.mu.Unlock()
	if startErr != nil {
		if pump != nil {
			pump.halt()
		}
		c.reportError("mic_"+string(reliability.KindOf(startErr)), "capture", startErr)
	}
	if rearm {
		c.publishState()
	}
}

// processRecording transcribes rec and runs the transcript as a command.
// endedAt is when the speaker stopped, the origin of the latency stages.
func (c *Controller) processRecording(ctx context.Context, rec *capture.Recording, endedAt time.Time) {
	if rec == nil {
		c.countUtterance("empty")
		c.observeIndicator(observability.IndicatorRecordingEmpty)
		return
	}
	if rec.Duration < c.cfg.MinUtterance {
		c.countUtterance("too_short")
		c.observeIndicator(observability.IndicatorRecordingTooShort)
		c.log.WithField("duration_ms", rec.Duration.Milliseconds()).Debug("discard short recording")
		return
	}
	if c.transcriber == nil {
		c.reportError("transcription_unavailable", "transcribe", reliability.Newf(reliability.KindUnavailable, "voice.transcribe", "speech-to-text is not configured"))
		return
	}

	res, err := c.transcriber.Transcribe(ctx, rec.WAV, transcribe.Options{Language: c.cfg.Language, Type: transcribe.TypeCommand})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		c.countUtterance("failed")
		if c.metrics != nil {
			c.metrics.ProviderErrors.WithLabelValues("openai_transcribe", string(reliability.KindOf(err))).Inc()
		}
		c.reportError("transcription_failed", "transcribe", err)
		return
	}
	c.countUtterance("transcribed")
	c.observeStage(observability.StageSpeechEndToTranscript, time.Since(endedAt))
	c.out.send(protocol.Transcript{
		Type:       protocol.TypeTranscript,
		SessionID:  c.sessionID,
		Text:       res.Text,
		Confidence: res.Confidence,
		Language:   res.Language,
		Kind:       string(transcribe.TypeCommand),
		Source:     "whisper",
		TSMs:       time.Now().UnixMilli(),
	})
	if c.handleTranscript(ctx, res.Text) {
		c.observeStage(observability.StageUtteranceTotal, time.Since(endedAt))
	}
}

// HandleText routes typed text: into the open conversation when there is
// one, otherwise through the command path.
func (c *Controller) HandleText(text string) {
	c.mu.Lock()
	client := c.rt
	conversing := c.state == StateConversing
	c.mu.Unlock()
	if conversing && client != nil {
		if err := client.SendText(text); err != nil {
			c.reportError("send_text_failed", "realtime", err)
		}
		return
	}
	c.handleTranscript(c.ctx, text)
}

// handleTranscript interprets text and dispatches the command, reporting
// whether there was one.
func (c *Controller) handleTranscript(ctx context.Context, text string) bool {
	started := time.Now()
	outcome := c.interpreter.InterpretDetailed(ctx, text, c.recentHistory())
	c.observeStage(observability.StageTranscriptToCommand, time.Since(started))
	if outcome.Fallback {
		c.observeIndicator(observability.IndicatorKeywordFallback)
	}
	if outcome.Command == nil {
		return false
	}
	c.remember(text)
	cmd := *outcome.Command
	c.out.send(protocol.Command{
		Type:       protocol.TypeCommand,
		SessionID:  c.sessionID,
		Action:     string(cmd.Action),
		Target:     cmd.Target,
		Parameters: cmd.Parameters,
		Confidence: cmd.Confidence,
		Source:     string(cmd.Source),
		Fallback:   outcome.Fallback,
	})

	started = time.Now()
	res := c.dispatcher.Dispatch(ctx, cmd)
	c.observeStage(observability.StageCommandToDispatch, time.Since(started))
	c.countCommand(cmd, res)
	return true
}

func (c *Controller) countCommand(cmd command.Command, res dispatch.Outcome) {
	if c.sessions != nil && res.Executed {
		_ = c.sessions.RecordCommand(c.sessionID)
	}
	if c.metrics == nil {
		return
	}
	outcome := "executed"
	switch {
	case res.Err != nil:
		outcome = "failed"
	case !res.Executed:
		outcome = "unsupported"
	}
	c.metrics.Commands.WithLabelValues(string(cmd.Action), string(cmd.Source), outcome).Inc()
}

// CancelResponse interrupts the assistant's current realtime reply.
func (c *Controller) CancelResponse() {
	c.mu.Lock()
	client := c.rt
	c.mu.Unlock()
	if client == nil {
		return
	}
	if err := client.CancelResponse(); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
		c.reportError("cancel_failed", "realtime", err)
	}
}

func (c *Controller) onRealtimeEvent(client *realtime.Client, ev realtime.Event) {
	switch ev.Type {
	case realtime.EventTurn:
		if ev.Turn == nil {
			return
		}
		c.turns.Record(client.Conversation().ID(), *ev.Turn)
		if ev.Turn.Role == conversation.RoleUser {
			c.out.send(protocol.Transcript{
				Type:      protocol.TypeTranscript,
				SessionID: c.sessionID,
				Text:      ev.Turn.Content,
				Kind:      string(transcribe.TypeConversation),
				Source:    "realtime",
				TSMs:      ev.Turn.CreatedAt.UnixMilli(),
			})
			return
		}
		c.out.send(protocol.AssistantTranscript{
			Type:      protocol.TypeAssistantTranscript,
			SessionID: c.sessionID,
			TurnID:    ev.Turn.ID,
			Text:      ev.Turn.Content,
		})
	case realtime.EventTextDelta, realtime.EventTranscriptDelta:
		c.out.send(protocol.AssistantTextDelta{Type: protocol.TypeAssistantTextDelta, SessionID: c.sessionID, TextDelta: ev.Text})
	case realtime.EventSpeechStarted:
		c.vadEvent("speech_start", 0, time.Now())
	case realtime.EventSpeechStopped:
		c.vadEvent("speech_end", 0, time.Now())
	case realtime.EventFirstAudio:
		if c.metrics != nil {
			c.metrics.ObserveRealtimeFirstAudio(ev.Latency)
		}
		c.observeStage(observability.StageRealtimeFirstAudio, ev.Latency)
	case realtime.EventToolCall:
		if ev.Command == nil {
			c.reportError("tool_call_invalid", "realtime", ev.Err)
			return
		}
		cmd := *ev.Command
		c.out.send(protocol.Command{
			Type:       protocol.TypeCommand,
			SessionID:  c.sessionID,
			Action:     string(cmd.Action),
			Target:     cmd.Target,
			Parameters: cmd.Parameters,
			Confidence: cmd.Confidence,
			Source:     string(cmd.Source),
		})
		c.countCommand(cmd, dispatch.Outcome{Action: cmd.Action, Executed: ev.Err == nil, Err: ev.Err})
	case realtime.EventError:
		code := "realtime_error"
		if ev.Reason != "" {
			code = "realtime_" + string(ev.Reason)
		}
		c.reportError(code, "realtime", ev.Err)
	case realtime.EventClosed:
		if c.metrics != nil {
			c.metrics.RealtimeCloses.WithLabelValues(string(ev.Reason)).Inc()
		}
		c.spawn(func() { c.onRealtimeClosed(client) })
	case realtime.EventStateChanged:
		c.publishState()
	}
}

// onRealtimeClosed stops streaming into a connection that went away. It
// never reconnects.
func (c *Controller) onRealtimeClosed(client *realtime.Client) {
	c.mu.Lock()
	if c.rt != client {
		c.mu.Unlock()
		return
	}
	unsub := c.rtUnsub
	c.rt, c.rtUnsub = nil, nil
	var pump *framePump
	var streamer *capture.Streamer
	if c.state == StateConversing {
		c.gen.Add(1)
		pump, streamer = c.pump, c.streamer
		c.pump, c.streamer = nil, nil
		c.state = StateIdle
	}
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if pump != nil {
		pump.halt()
	}
	if streamer != nil {
		// The connection is gone; Stop only flips the streamer inactive.
		_ = streamer.Stop()
	}
	c.publishState()
}

// onStreamEnded handles the editor closing its microphone on its own.
func (c *Controller) onStreamEnded(gen uint64) {
	if c.gen.Load() != gen {
		return
	}
	c.StopListening("mic_closed")
	c.mu.Lock()
	mic := c.mic
	c.mic = nil
	c.mu.Unlock()
	if mic != nil {
		_ = mic.Close()
	}
}

// PushAudio decodes one client frame into the microphone stream.
func (c *Controller) PushAudio(f protocol.ClientAudioFrame) {
	raw, err := base64.StdEncoding.DecodeString(f.AudioBase64)
	if err != nil {
		c.reportError("invalid_audio_frame", "gateway", reliability.New(reliability.KindValidation, "voice.audio", err))
		return
	}
	var samples []float32
	if f.Encoding == protocol.EncodingF32LE {
		var bad int
		samples, bad = audio.DecodeFloat32LE(raw)
		if bad > 0 {
			c.observeIndicator(observability.IndicatorNonFiniteSamples)
			c.log.WithField("samples", bad).Debug("zeroed non-finite samples")
		}
	} else {
		samples = audio.PCM16ToFloat32(raw)
	}
	c.device.Push(samples, f.SampleRate)
}

// ReportMicStatus forwards the editor's answer to a mic_request.
func (c *Controller) ReportMicStatus(m protocol.MicStatus) {
	c.device.ReportStatus(capture.Status{
		Opened:     m.Opened,
		ErrorName:  m.ErrorName,
		Message:    m.Message,
		SampleRate: m.SampleRate,
		Channels:   m.Channels,
	})
}

// ResolveOperation delivers a ui_operation_result.
func (c *Controller) ResolveOperation(m protocol.UIOperationResult) {
	if !c.host.Resolve(m) {
		c.log.WithField("op_id", m.OpID).Debug("result for unknown operation")
	}
}

// Close stops listening, closes the realtime session and releases the
// microphone. It waits for background work to finish.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.gen.Add(1)
	monitor, pump, mic := c.monitor, c.pump, c.mic
	c.monitor, c.pump, c.streamer, c.mic = nil, nil, nil, nil
	cancelStart := c.startCancel
	c.mu.Unlock()

	if cancelStart != nil {
		cancelStart()
	}
	if monitor != nil {
		monitor.Stop()
	}
	if pump != nil {
		pump.halt()
	}
	c.closeRealtime()
	_ = c.realtime.Close()
	c.host.Close()
	c.cancel()
	if mic != nil {
		_ = mic.Close()
	}
	c.device.Disconnect()
	c.workers.Wait()
}

func (c *Controller) publishState() {
	c.mu.Lock()
	st := protocol.PipelineState{
		Type:      protocol.TypePipelineState,
		SessionID: c.sessionID,
		State:     string(c.state),
		Mode:      c.mode,
	}
	if c.rt != nil {
		st.Realtime = string(c.rt.State())
	}
	c.mu.Unlock()
	c.out.send(st)
}

func (c *Controller) vadEvent(event string, speech time.Duration, at time.Time) {
	c.out.send(protocol.VADEvent{
		Type:      protocol.TypeVADEvent,
		SessionID: c.sessionID,
		Event:     event,
		SpeechMs:  speech.Milliseconds(),
		TSMs:      at.UnixMilli(),
	})
}

func (c *Controller) reportError(code, source string, err error) {
	if err == nil {
		err = errors.New(code)
	}
	kind := reliability.KindOf(err)
	c.log.WithError(err).WithFields(logrus.Fields{"code": code, "kind": kind}).Warn("voice pipeline error")
	c.out.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.sessionID,
		Code:      code,
		Source:    source,
		Retryable: kind == reliability.KindNetwork || kind == reliability.KindTimeout || kind == reliability.KindUnavailable,
		Detail:    err.Error(),
	})
}

func (c *Controller) countUtterance(outcome string) {
	if c.metrics != nil {
		c.metrics.Utterances.WithLabelValues(outcome).Inc()
	}
}

func (c *Controller) observeStage(stage string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.ObserveStage(stage, d)
	}
}

func (c *Controller) observeIndicator(name string) {
	if c.metrics != nil {
		c.metrics.ObserveIndicator(name)
	}
}

func (c *Controller) recentHistory() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.history...)
}

func (c *Controller) remember(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, text)
	if over := len(c.history) - c.cfg.HistorySize; over > 0 {
		c.history = append(c.history[:0], c.history[over:]...)
	}
}

// framePump is the single consumer of a lease's frames.
type framePump struct {
	lease *capture.Lease
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// startFramePump feeds frames captured after now to fn until halted. onEnd
// runs when the stream itself closes.
func startFramePump(lease *capture.Lease, fn func(capture.Frame), onEnd func()) *framePump {
	p := &framePump{lease: lease, stop: make(chan struct{}), done: make(chan struct{})}
	since := time.Now()
	frames := lease.Frames()
	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stop:
				return
			case f, ok := <-frames:
				if !ok {
					if onEnd != nil {
						onEnd()
					}
					return
				}
				// Frames buffered while nobody listened are stale.
				if f.At.Before(since) {
					continue
				}
				fn(f)
			}
		}
	}()
	return p
}

// halt stops the pump, waits for it and releases the lease.
func (p *framePump) halt() {
	p.once.Do(func() { close(p.stop) })
	<-p.done
	p.lease.Release()
}
