package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/irgordon/rulesync/api/internal/core/domain"
)

// Result is the response envelope shared by every API endpoint.
type Result struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Msg     string `json:"msg,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Error codes carried in Result.Code. Zero means success.
const (
	CodeOK              = 0
	CodeBadRequest      = -1
	CodeUnauthenticated = 401
	CodeForbidden       = 403
	CodeNotFound        = 404
	CodeInternal        = 500
	CodeSinkUnavailable = 502
)

func writeJSON(w http.ResponseWriter, status int, body Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// OK writes a successful envelope around data.
func OK(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Result{Success: true, Code: CodeOK, Data: data})
}

// Fail writes an error envelope.
func Fail(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, Result{Success: false, Code: code, Msg: msg})
}

// HandleError maps the engine's error taxonomy onto HTTP. Validation and
// lookup errors are echoed; infrastructure errors are logged and masked.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrMissingField),
		errors.Is(err, domain.ErrOutOfRange),
		errors.Is(err, domain.ErrInvalidCombination):
		Fail(w, http.StatusBadRequest, CodeBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		Fail(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		Fail(w, http.StatusForbidden, CodeForbidden, "Forbidden")
	case errors.Is(err, domain.ErrSinkUnavailable):
		logFailure(r, err)
		Fail(w, http.StatusBadGateway, CodeSinkUnavailable, "Config store unavailable")
	default:
		logFailure(r, err)
		Fail(w, http.StatusInternalServerError, CodeInternal, "Internal server error")
	}
}

func logFailure(r *http.Request, err error) {
	zap.L().Error("Request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err))
}
