package httpapi

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/command"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/transcribe"
)

type transcribeRequest struct {
	AudioBase64 string `json:"audio_base64" validate:"required,base64"`
	Language    string `json:"language,omitempty" validate:"omitempty,min=2,max=5"`
	Prompt      string `json:"prompt,omitempty" validate:"max=500"`
	Type        string `json:"type,omitempty" validate:"omitempty,oneof=command conversation"`
}

type interpretRequest struct {
	Text    string   `json:"text" validate:"required,max=2000"`
	History []string `json:"history,omitempty" validate:"max=20"`
}

type interpretResponse struct {
	Command  *command.Command `json:"command"`
	Fallback bool             `json:"fallback"`
	Reason   string           `json:"reason,omitempty"`
}

type speakRequest struct {
	Text  string `json:"text" validate:"required,max=4000"`
	Voice string `json:"voice,omitempty"`
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if s.deps.Transcriber == nil {
		unavailable(w, "speech-to-text")
		return
	}
	var req transcribeRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	wav, err := base64.StdEncoding.DecodeString(req.AudioBase64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_audio", err.Error())
		return
	}
	kind := transcribe.TypeCommand
	if req.Type != "" {
		kind = transcribe.Type(req.Type)
	}
	res, err := s.deps.Transcriber.Transcribe(r.Context(), wav, transcribe.Options{
		Language: req.Language,
		Prompt:   req.Prompt,
		Type:     kind,
	})
	if err != nil {
		s.metrics.ProviderErrors.WithLabelValues("openai_transcribe", "http").Inc()
		respondFailure(w, "transcription_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleInterpret(w http.ResponseWriter, r *http.Request) {
	if s.deps.Interpreter == nil {
		unavailable(w, "command interpreter")
		return
	}
	var req interpretRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	out := s.deps.Interpreter.InterpretDetailed(r.Context(), req.Text, req.History)
	if out.Command == nil {
		respondError(w, http.StatusUnprocessableEntity, "no_command", "no command recognized")
		return
	}
	respondJSON(w, http.StatusOK, interpretResponse{Command: out.Command, Fallback: out.Fallback, Reason: out.Reason})
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	if s.deps.Synthesizer == nil {
		unavailable(w, "text-to-speech")
		return
	}
	var req speakRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	out, err := s.deps.Synthesizer.Synthesize(r.Context(), req.Text, strings.TrimSpace(req.Voice))
	if err != nil {
		respondFailure(w, "speech_failed", err)
		return
	}
	w.Header().Set("Content-Type", out.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Data)))
	w.Header().Set("X-Voice", out.Voice)
	cache := "miss"
	if out.Cached {
		cache = "hit"
	}
	w.Header().Set("X-Cache", cache)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Data)
}

func (s *Server) handleRealtimeToken(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tokens == nil {
		unavailable(w, "realtime")
		return
	}
	tok, err := s.deps.Tokens.Mint(r.Context())
	if err != nil {
		s.metrics.ProviderErrors.WithLabelValues("openai_realtime", "token").Inc()
		respondFailure(w, "token_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, tok)
}

// decodeValid decodes and validates a JSON body, answering 400 itself when
// either step fails.
func (s *Server) decodeValid(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := decodeJSON(r, out); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	if err := s.validate.Struct(out); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}
