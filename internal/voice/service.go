package voice

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/audio"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/capture"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/dispatch"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/logging"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/memory"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/observability"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/protocol"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/realtime"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/session"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/transcribe"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/vad"
)

const remoteFrameBuffer = 128

// Deps are the collaborators shared by every connection. Transcriber and
// Synthesizer may be nil.
type Deps struct {
	Sessions    *session.Manager
	Transcriber transcribe.Transcriber
	Interpreter Interpreter
	Synthesizer Synthesizer
	Realtime    realtime.Config
	Memory      memory.Store
	Metrics     *observability.Metrics
	Log         logrus.FieldLogger
}

// Service runs the voice pipeline for editor connections.
type Service struct {
	cfg  Config
	deps Deps
	log  logrus.FieldLogger
	// levels, when set, replaces the analyser as the detector's input.
	levels func(*audio.Analyser) vad.LevelSource
}

func NewService(cfg Config, deps Deps) *Service {
	return &Service{cfg: cfg.withDefaults(), deps: deps, log: logging.Component(deps.Log, "voice")}
}

// newController builds the pipeline for one connection. Each connection owns
// its realtime manager so one editor can never close another's conversation.
func (s *Service) newController(ctx context.Context, sess *session.Session, outbound chan<- any) *Controller {
	cfg := s.cfg
	if sess.Voice != "" {
		cfg.Voice = sess.Voice
	}
	log := s.log.WithField("session_id", sess.ID)

	ctx, cancel := context.WithCancel(ctx)
	out := &outbox{ctx: ctx, ch: outbound, metrics: s.deps.Metrics}
	host := newHostOperations(sess.ID, out, cfg.OperationTimeout)

	var speaker dispatch.Speaker
	if cfg.SpokenConfirmation && s.deps.Synthesizer != nil {
		speaker = &spokenConfirmations{synth: s.deps.Synthesizer, host: host, voice: cfg.Voice}
	}
	rtCfg := s.deps.Realtime
	if cfg.Voice != "" {
		rtCfg.Voice = cfg.Voice
	}

	c := &Controller{
		sessionID:   sess.ID,
		cfg:         cfg,
		log:         log,
		metrics:     s.deps.Metrics,
		sessions:    s.deps.Sessions,
		out:         out,
		host:        host,
		transcriber: s.deps.Transcriber,
		interpreter: s.deps.Interpreter,
		dispatcher:  dispatch.New(host.Operations(), host, speaker, log),
		realtime:    realtime.NewManager(rtCfg, log),
		turns:       memory.NewRecorder(s.deps.Memory, sess.ID, log),
		ctx:         ctx,
		cancel:      cancel,
		controls:    make(chan func(), 8),
		state:       StateIdle,
		mode:        string(sess.Mode),
		levels:      s.levels,
	}
	c.device = capture.NewRemoteDevice(func(context.Context) error {
		if !host.requestMic("open") {
			return errHostGone
		}
		return nil
	}, func() { host.requestMic("close") }, remoteFrameBuffer)

	c.workers.Add(1)
	go c.runControls()
	return c
}

// RunConnection serves one editor connection until inbound closes, the
// context ends or the editor sends an end control.
func (s *Service) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
	c := s.newController(ctx, sess, outbound)
	defer c.Close()
	c.publishState()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			s.touch(sess.ID)
			switch m := msg.(type) {
			case protocol.ClientAudioFrame:
				c.PushAudio(m)
			case protocol.MicStatus:
				// Answered inline: a queued start may be waiting on it.
				c.ReportMicStatus(m)
			case protocol.UIOperationResult:
				c.ResolveOperation(m)
			case protocol.ClientText:
				text := strings.TrimSpace(m.Text)
				if text != "" {
					c.spawn(func() { c.HandleText(text) })
				}
			case protocol.ClientControl:
				if done := s.handleControl(c, sess, m); done {
					return nil
				}
			default:
				s.log.WithField("type", fmt.Sprintf("%T", msg)).Debug("ignoring inbound message")
			}
		}
	}
}

func (s *Service) handleControl(c *Controller, sess *session.Session, m protocol.ClientControl) bool {
	reason := normalizeControlReason(m.Reason)
	if reason == "" {
		reason = "client"
	}
	switch m.Action {
	case protocol.ActionStartListening:
		mode := m.Mode
		c.enqueue(func() {
			switch st := c.State(); st {
			case StateListening, StateProcessing, StateConversing:
				c.mu.Lock()
				same := c.mode == mode
				c.mu.Unlock()
				if same {
					c.publishState()
					return
				}
				c.StopListening("mode_switch")
			}
			_ = c.StartListening(mode)
		})
	case protocol.ActionStopListening:
		// A start still waiting on the editor must not block the stop behind it.
		c.CancelStart()
		c.enqueue(func() { c.StopListening(reason) })
	case protocol.ActionCancelResponse:
		c.CancelResponse()
	case protocol.ActionEnd:
		if s.deps.Sessions != nil {
			_, _ = s.deps.Sessions.End(sess.ID)
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.SessionEvents.WithLabelValues("ended_" + reason).Inc()
		}
		return true
	}
	return false
}

func (s *Service) touch(sessionID string) {
	if s.deps.Sessions != nil {
		_ = s.deps.Sessions.Touch(sessionID)
	}
}

// normalizeControlReason lower-cases a free-form reason into a label-safe
// token.
func normalizeControlReason(raw string) string {
	reason := strings.ToLower(strings.TrimSpace(raw))
	if reason == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(reason))
	prevUnderscore := false
	for _, r := range reason {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			prevUnderscore = false
		default:
			if !prevUnderscore {
				b.WriteByte('_')
				prevUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
