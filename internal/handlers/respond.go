package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/projectmart/backend/internal/services"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string        `json:"error"`
	Code  services.Code `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code services.Code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// writeServiceError maps a domain error to its status. Unexpected errors are
// logged and hidden from the caller.
func writeServiceError(w http.ResponseWriter, log *slog.Logger, op string, err error) {
	var se *services.Error
	if !errors.As(err, &se) {
		log.Error(op, "error", err)
		writeError(w, http.StatusInternalServerError, "", "internal error")
		return
	}
	if se.Code == services.CodePaymentProcessingFailed {
		log.Error(op, "error", err)
	}
	writeError(w, services.HTTPStatus(se.Code), se.Code, se.Message)
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
