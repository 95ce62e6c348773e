package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Envelope codes. Zero is success; everything else maps to the HTTP status
// the handler chose.
const (
	CodeOK       = 0
	CodeBadInput = 100
	CodeNotFound = 102
	CodeInternal = 500
)

// Response is the JSON envelope every endpoint returns.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// writeJSON writes an envelope with the given status code.
// Note: if encoding fails after WriteHeader, the status is already on the
// wire; the error is only logged.
func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}

func writeData(w http.ResponseWriter, logger *slog.Logger, data any) {
	writeJSON(w, logger, http.StatusOK, Response{Code: CodeOK, Data: data})
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status, code int, message string) {
	writeJSON(w, logger, status, Response{Code: code, Message: message})
}
