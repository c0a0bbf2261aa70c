package apierr

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// envelope mirrors httpserver.Envelope's error shape. It is duplicated here
// (rather than imported) so that low-level packages like auth can report
// structured errors without importing the HTTP response-shaping package,
// which itself needs to import apierr for Kind.
type envelope struct {
	Success bool      `json:"success"`
	Error   *errBody  `json:"error,omitempty"`
}

type errBody struct {
	Kind    Kind              `json:"kind"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Respond writes the standard failing JSON envelope for err. If err is not
// an *Error it is treated as an opaque internal error.
func Respond(w http.ResponseWriter, err error) {
	aerr, ok := As(err)
	if !ok {
		slog.Error("unclassified error reached response layer", "error", err)
		aerr = New(KindInternal, "an internal error occurred")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(aerr.Kind.Status())
	_ = json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error: &errBody{
			Kind:    aerr.Kind,
			Message: aerr.Message,
			Details: aerr.Details,
		},
	})
}
