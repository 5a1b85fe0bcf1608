package handler

import (
	"net/http"

	"github.com/capitalize-ai/query-stream/internal/llm"
	natsclient "github.com/capitalize-ai/query-stream/internal/nats"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	llmClient  llm.Client
	natsClient *natsclient.Client
}

// NewHealthHandler creates a new health handler. natsClient may be nil when
// the outcome audit trail is disabled.
func NewHealthHandler(llmClient llm.Client, natsClient *natsclient.Client) *HealthHandler {
	return &HealthHandler{
		llmClient:  llmClient,
		natsClient: natsClient,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.llmClient == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "no LLM provider configured",
		})
		return
	}

	if h.natsClient != nil && !h.natsClient.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ready",
		"provider": h.llmClient.Name(),
	})
}
