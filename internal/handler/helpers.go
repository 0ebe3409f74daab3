package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/deptchat/internal/logger"
	"github.com/deptchat/internal/service"
)

type errorResponse struct {
	Error string `json:"error"`
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

// writeServiceError переводит ошибки движка в HTTP-статус. Текст доменных ошибок
// отдаётся клиенту как есть; всё остальное: 500 без подробностей хранилища.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, service.ErrPayloadTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, service.ErrInvalidDepartment),
		errors.Is(err, service.ErrTooManyFiles),
		errors.Is(err, service.ErrEmptyMessage),
		errors.Is(err, service.ErrInvalidFile):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logger.Errorw("support request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
