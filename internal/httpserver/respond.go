package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wisbric/mcpgate/internal/apierr"
)

// Envelope is the standard JSON response shape: exactly one of Data or
// Error is populated, selected by Success.
type Envelope struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Error   *ErrBody `json:"error,omitempty"`
}

// ErrBody is the error half of Envelope.
type ErrBody struct {
	Kind    apierr.Kind       `json:"kind"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Respond writes a successful JSON envelope with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(Envelope{Success: true, Data: data}); err != nil {
		slog.Error("encoding response envelope", "error", err)
	}
}

// RespondNoContent writes a 204 with no body.
func RespondNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// RespondError writes a failing JSON envelope derived from err. It delegates
// to apierr.Respond so that code calling apierr.Respond directly (tenant's
// middleware, for one) produces byte-identical error bodies.
func RespondError(w http.ResponseWriter, err error) {
	apierr.Respond(w, err)
}
