package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rideshare/internal/logger"
	"github.com/rideshare/internal/model"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeModelError переводит доменную ошибку в HTTP-статус и код из model.Code.
func writeModelError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotAuthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, model.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyRequested):
		status = http.StatusConflict
	case errors.Is(err, model.ErrInvalidTransition):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrTransient):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logger.Errorf("%s: %v", op, err)
		writeError(w, status, "internal")
		return
	}
	writeJSON(w, status, errorResponse{Error: model.Code(err), Message: err.Error()})
}
