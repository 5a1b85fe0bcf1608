package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/query-stream/internal/model"
	"github.com/capitalize-ai/query-stream/pkg/logger"
)

// EventReader reads recorded query outcome events.
type EventReader interface {
	Events(ctx context.Context, sessionID string, limit int) ([]model.ConversationEvent, error)
}

// EventsHandler exposes the outcome audit trail of a client session.
type EventsHandler struct {
	reader EventReader
	logger *logger.Logger
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(reader EventReader, log *logger.Logger) *EventsHandler {
	return &EventsHandler{reader: reader, logger: log}
}

// List handles GET /api/v1/sessions/{id}/events
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid session ID format")
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	events, err := h.reader.Events(r.Context(), sessionID, limit)
	if err != nil {
		h.logger.Error("failed to read outcome events", zap.String("session_id", sessionID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to read events")
		return
	}
	if events == nil {
		events = []model.ConversationEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"events":     events,
	})
}
