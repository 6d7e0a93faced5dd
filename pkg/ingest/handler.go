package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// ProblemDetail is the RFC 7807 error body every API error uses.
type ProblemDetail struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	problem := ProblemDetail{
		Type:   fmt.Sprintf("https://groundline.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// Handler is the webhook ingress endpoint: POST /v1/leads.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the ingest routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/leads", h.handleIngest)
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", "request body is not valid JSON")
		return
	}

	resp, err := h.svc.Ingest(r.Context(), req)
	if errors.Is(err, ErrInvalidRequest) {
		writeProblem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("ingest failed", "error", err)
		writeProblem(w, http.StatusServiceUnavailable, "Ingest Unavailable", "the lead could not be accepted, retry later")
		return
	}

	// Duplicates answer with the same success status as first ingest; the
	// Created flag is the only difference.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}
