package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/nikhil/surveil/internal/hub"
	"github.com/nikhil/surveil/internal/logger"
	"github.com/nikhil/surveil/internal/store"
)

// HistoryHandler serves the session history over plain HTTP.
type HistoryHandler struct {
	history hub.HistoryProvider
	log     *logger.Logger
}

func NewHistoryHandler(history hub.HistoryProvider, log *logger.Logger) *HistoryHandler {
	return &HistoryHandler{history: history, log: log}
}

// ListSessions serves GET /api/sessions.
func (h *HistoryHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.history.ListSessions(r.Context())
	if err != nil {
		h.log.Error("Failed to list sessions", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	respondWithJSON(w, http.StatusOK, sessions)
}

// GetSession serves GET /api/sessions/{id}.
func (h *HistoryHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid session ID")
		return
	}

	detail, err := h.history.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondWithError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		h.log.Error("Failed to get session", "session_id", id, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to get session")
		return
	}
	respondWithJSON(w, http.StatusOK, detail)
}

// Health reports liveness with the current viewer and team counts.
type Health struct {
	Clients func() int
	Teams   func() []string
}

// ServeHTTP serves GET /healthz.
func (h Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": h.Clients(),
		"teams":   len(h.Teams()),
	})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
