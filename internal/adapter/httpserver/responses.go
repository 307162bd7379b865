// Package httpserver contains HTTP handlers and middleware.
//
// It provides the REST API of the service: multipart submission, job
// status polling, and health probing. The package keeps HTTP concerns
// separate from business logic; handlers validate, delegate to
// usecases, and translate the error taxonomy to status codes.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pixtools/pixtools/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrTooLarge):
		code = http.StatusRequestEntityTooLarge
		codeStr = "PAYLOAD_TOO_LARGE"
	case errors.Is(err, domain.ErrUnsupportedMedia):
		code = http.StatusUnsupportedMediaType
		codeStr = "UNSUPPORTED_MEDIA_TYPE"
	case errors.Is(err, domain.ErrUnprocessable):
		code = http.StatusUnprocessableEntity
		codeStr = "UNPROCESSABLE"
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrTransient):
		code = http.StatusServiceUnavailable
		codeStr = "UPSTREAM_UNAVAILABLE"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
