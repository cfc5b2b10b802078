package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/command"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/config"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/export"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/imagegen"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/logging"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/memory"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/observability"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/protocol"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/realtime"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/session"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/speech"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/transcribe"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
)

type Pipeline interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
}

type Interpreter interface {
	InterpretDetailed(ctx context.Context, transcript string, history []string) command.Outcome
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (speech.Audio, error)
}

type TokenMinter interface {
	Mint(ctx context.Context) (realtime.Token, error)
}

type ImageService interface {
	Generate(ctx context.Context, req imagegen.Request) (imagegen.Result, error)
	Edit(ctx context.Context, req imagegen.Request) (imagegen.Result, error)
	RemoveBackground(ctx context.Context, image string) (imagegen.Result, error)
	Prediction(ctx context.Context, id string) (imagegen.Prediction, error)
}

type Exporter interface {
	Export(ctx context.Context, src []byte, opts export.Options) (export.Result, error)
}

// Deps are the optional collaborators behind the API. A nil dependency turns
// its routes into 503 responses.
type Deps struct {
	Pipeline    Pipeline
	Transcriber transcribe.Transcriber
	Interpreter Interpreter
	Synthesizer Synthesizer
	Tokens      TokenMinter
	Images      ImageService
	Exporter    Exporter
	Memory      memory.Store
	Log         logrus.FieldLogger
}

type Server struct {
	cfg         config.Config
	sessions    *session.Manager
	deps        Deps
	metrics     *observability.Metrics
	log         logrus.FieldLogger
	validate    *validator.Validate
	imageLimit  *rate.Limiter
	upgrader    websocket.Upgrader
	readTimeout time.Duration
}

func New(cfg config.Config, sessions *session.Manager, metrics *observability.Metrics, deps Deps) *Server {
	s := &Server{
		cfg:         cfg,
		sessions:    sessions,
		deps:        deps,
		metrics:     metrics,
		log:         logging.Component(deps.Log, "httpapi"),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		readTimeout: wsReadTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only the editor's own origin may drive a microphone session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	if n := cfg.ImageGenRatePerMinute; n > 0 {
		s.imageLimit = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/voice/session", s.handleCreateSession)
	r.Post("/v1/voice/session/{id}/end", s.handleEndSession)
	r.Get("/v1/voice/session/ws", s.handleSessionWS)
	r.Post("/v1/voice/transcribe", s.handleTranscribe)
	r.Post("/v1/voice/interpret", s.handleInterpret)
	r.Post("/v1/voice/speak", s.handleSpeak)
	r.Post("/v1/realtime/token", s.handleRealtimeToken)

	r.Route("/v1/images", func(r chi.Router) {
		r.Use(s.limitImages)
		r.Post("/generate", s.handleGenerateImage)
		r.Post("/edit", s.handleEditImage)
		r.Post("/remove-background", s.handleRemoveBackground)
		r.Get("/predictions/{id}", s.handleGetPrediction)
	})
	r.Post("/v1/images/export", s.handleExport)
	r.Get("/v1/conversations/{id}/turns", s.handleConversationTurns)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"transcription": s.deps.Transcriber != nil,
		"interpreter":   s.deps.Interpreter != nil,
		"speech":        s.deps.Synthesizer != nil,
		"realtime":      s.deps.Tokens != nil,
		"images":        s.deps.Images != nil,
		"memory":        s.deps.Memory != nil,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if strings.TrimSpace(req.Voice) == "" {
		req.Voice = s.cfg.RealtimeVoice
	}

	sess := s.sessions.Create(req.UserID, req.Voice, req.Mode)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		Voice:           sess.Voice,
		Mode:            sess.Mode,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.deps.Pipeline == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "voice pipeline not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusGone, "session_ended", "session has ended")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	log := s.log.WithField("session_id", sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		if err := s.deps.Pipeline.RunConnection(ctx, sess, inbound, outbound); err != nil {
			log.WithError(err).Warn("voice connection ended with error")
		}
		// The pipeline is done; unblock the reader.
		cancel()
		_ = conn.SetReadDeadline(time.Now())
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					s.metrics.WSWriteErrors.WithLabelValues("ping").Inc()
					cancel()
					return
				}
			case msg := <-outbound:
				data, err := json.Marshal(msg)
				if err != nil {
					s.metrics.WSWriteErrors.WithLabelValues("marshal").Inc()
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
					cancel()
					return
				}
				if t, ok := protocol.TypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
				s.metrics.ObserveOutboundMessage(string(protocol.TypeErrorEvent), "queued")
			default:
				// Writes stay on the writer goroutine; drop when its queue is full.
				s.metrics.ObserveOutboundMessage(string(protocol.TypeErrorEvent), "drop_full")
			}
			continue
		}

		if t, ok := protocol.TypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// limitImages sheds image requests beyond the configured per-minute budget.
func (s *Server) limitImages(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.imageLimit != nil && !s.imageLimit.Allow() {
			s.metrics.ImageGenerations.WithLabelValues("any", "rate_limited").Inc()
			respondError(w, http.StatusTooManyRequests, "rate_limited", "too many image requests; try again shortly")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) || strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondFailure maps a classified error onto an HTTP status.
func respondFailure(w http.ResponseWriter, code string, err error) {
	status := http.StatusBadGateway
	switch reliability.KindOf(err) {
	case reliability.KindValidation:
		status = http.StatusBadRequest
	case reliability.KindTimeout:
		status = http.StatusGatewayTimeout
	case reliability.KindUnavailable:
		status = http.StatusServiceUnavailable
	case reliability.KindUnsupported:
		status = http.StatusNotImplemented
	}
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	respondError(w, status, code, err.Error())
}

func unavailable(w http.ResponseWriter, what string) {
	respondError(w, http.StatusServiceUnavailable, "unavailable", what+" is not configured")
}
