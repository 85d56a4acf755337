// Package transport contains the chi router, middleware chain and request
// handlers of the console API.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/casedesk/internal/observability"
	"github.com/pitabwire/casedesk/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:           http.StatusBadRequest,
	model.ErrUnauthorized:         http.StatusUnauthorized,
	model.ErrForbidden:            http.StatusForbidden,
	model.ErrNotFound:             http.StatusNotFound,
	model.ErrConflict:             http.StatusConflict,
	model.ErrValidationError:      http.StatusUnprocessableEntity,
	model.ErrCriticalStage:        http.StatusUnprocessableEntity,
	model.ErrConfirmationRequired: http.StatusPreconditionRequired,
	model.ErrInternalError:        http.StatusInternalServerError,
	model.ErrBackendUnavailable:   http.StatusBadGateway,
	model.ErrBackendTimeout:       http.StatusGatewayTimeout,
	model.ErrBackendRejected:      http.StatusBadGateway,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// StatusFor returns the HTTP status for an error envelope. A platform
// rejection with a 4xx status is the operator's problem and maps to 422.
func StatusFor(ee *model.ErrorEnvelope) int {
	if ee.Code == model.ErrBackendRejected && ee.UpstreamStatus >= 400 && ee.UpstreamStatus < 500 {
		return http.StatusUnprocessableEntity
	}
	if status, ok := statusForCode[ee.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteError writes err as an error envelope. Errors without an envelope in
// their chain become a generic INTERNAL_ERROR.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusFor(ee), errorResponse{Error: ee})
}

// writeRequestError is WriteError with the request's trace id attached.
func writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		requestLogger(r).Error("unhandled error", "error", err)
		ee = model.NewInternalError()
	}
	if ee.TraceID == "" {
		out := *ee
		out.TraceID = observability.TraceIDFromContext(r.Context())
		ee = &out
	}
	WriteJSON(w, StatusFor(ee), errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
