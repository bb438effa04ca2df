// Package api provides HTTP response utilities for the assessment engine.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/OutcomeKit/OutcomePipe/internal/models"
)

// fallbackErrorBody is marshaled once at startup so encoding failures at
// request time can still produce a well-formed error envelope.
var fallbackErrorBody []byte

func init() {
	body, err := json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("api: cannot marshal fallback error body: %v", err))
	}
	fallbackErrorBody = body
}

// writeJSONResponse marshals the envelope before touching the response
// writer, so a failed encode can still downgrade to a 500 with the
// fallback body instead of a half-written response.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	payload, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal response", "error", err)
		payload = fallbackErrorBody
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(payload); err != nil {
		slog.Error("Server.writeJSONResponse: failed to write response", "error", err)
	}
}
