package httpapi

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/export"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/imagegen"
)

type removeBackgroundRequest struct {
	Image string `json:"image" validate:"required"`
}

type exportRequest struct {
	ImageBase64 string `json:"image_base64" validate:"required,base64"`
	export.Options
}

type exportResponse struct {
	export.Result
	DataBase64 string `json:"data_base64,omitempty"`
}

func (s *Server) handleGenerateImage(w http.ResponseWriter, r *http.Request) {
	s.runImage(w, r, imagegen.KindGenerate)
}

func (s *Server) handleEditImage(w http.ResponseWriter, r *http.Request) {
	s.runImage(w, r, imagegen.KindEdit)
}

func (s *Server) runImage(w http.ResponseWriter, r *http.Request, kind imagegen.Kind) {
	if s.deps.Images == nil {
		unavailable(w, "image generation")
		return
	}
	var req imagegen.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var (
		res imagegen.Result
		err error
	)
	if kind == imagegen.KindEdit {
		res, err = s.deps.Images.Edit(r.Context(), req)
	} else {
		res, err = s.deps.Images.Generate(r.Context(), req)
	}
	if err != nil {
		respondFailure(w, "image_"+string(kind)+"_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleRemoveBackground(w http.ResponseWriter, r *http.Request) {
	if s.deps.Images == nil {
		unavailable(w, "image generation")
		return
	}
	var req removeBackgroundRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	res, err := s.deps.Images.RemoveBackground(r.Context(), req.Image)
	if err != nil {
		respondFailure(w, "remove_background_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetPrediction(w http.ResponseWriter, r *http.Request) {
	if s.deps.Images == nil {
		unavailable(w, "image generation")
		return
	}
	pred, err := s.deps.Images.Prediction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondFailure(w, "prediction_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"id":     pred.ID,
		"status": pred.Status,
		"urls":   pred.URLs(),
		"error":  pred.Error,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Exporter == nil {
		unavailable(w, "export")
		return
	}
	var req exportRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	src, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_image", err.Error())
		return
	}
	res, err := s.deps.Exporter.Export(r.Context(), src, req.Options)
	if err != nil {
		respondFailure(w, "export_failed", err)
		return
	}
	// Raw bytes when asked for; JSON with the encoded image otherwise.
	if strings.Contains(r.Header.Get("Accept"), res.MIMEType) {
		w.Header().Set("Content-Type", res.MIMEType)
		w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Data)
		return
	}
	out := exportResponse{Result: res}
	if res.Location == "" {
		out.DataBase64 = base64.StdEncoding.EncodeToString(res.Data)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleConversationTurns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil {
		unavailable(w, "conversation memory")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_conversation_id", "missing conversation id")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	turns, err := s.deps.Memory.RecentTurns(r.Context(), id, limit)
	if err != nil {
		respondFailure(w, "memory_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"turns":           turns,
	})
}
