// Package handler implements the reference backend's HTTP handlers.
package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/capitalize-ai/query-stream/internal/model"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// sendFrame writes one stream frame and flushes it to the client.
func sendFrame(w http.ResponseWriter, flusher http.Flusher, frame model.StreamFrame) error {
	jsonData, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
