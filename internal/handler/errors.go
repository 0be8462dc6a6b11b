package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/angeloszaimis/fabric-gateway/internal/dispatcher"
	"github.com/angeloszaimis/fabric-gateway/internal/registry"
)

const (
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeRetriesExhausted   = "RETRIES_EXHAUSTED"
	CodeMissingService     = "MISSING_SERVICE"
	CodeBodyTooLarge       = "BODY_TOO_LARGE"
	CodeMalformedJSON      = "MALFORMED_JSON"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeDuplicateAddress   = "DUPLICATE_ADDRESS"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeInternal           = "INTERNAL"
)

// ErrorResponse is the JSON body of every error the gateway itself produces.
type ErrorResponse struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Service  string            `json:"service,omitempty"`
	Attempts int               `json:"attempts,omitempty"`
	Cause    string            `json:"cause,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("Failed to encode response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	writeJSON(w, status, resp)
}

// writeDispatchError maps a dispatch failure to 503 or 502.
func writeDispatchError(w http.ResponseWriter, service string, err error) int {
	resp := ErrorResponse{
		Service: service,
		Message: err.Error(),
	}

	var dispatchErr *dispatcher.Error
	if errors.As(err, &dispatchErr) {
		resp.Attempts = dispatchErr.Attempts
		if dispatchErr.Cause != nil {
			resp.Cause = dispatchErr.Cause.Error()
		}
	}

	status := http.StatusInternalServerError
	resp.Code = CodeInternal
	switch {
	case errors.Is(err, dispatcher.ErrServiceUnavailable):
		status = http.StatusServiceUnavailable
		resp.Code = CodeServiceUnavailable
		resp.Message = "no healthy instance of " + service + " is available"
	case errors.Is(err, dispatcher.ErrRetriesExhausted):
		status = http.StatusBadGateway
		resp.Code = CodeRetriesExhausted
		resp.Message = "every attempt to reach " + service + " failed"
	}

	writeError(w, status, resp)
	return status
}

// writeRegistryError maps registry and validation errors to 4xx answers.
func writeRegistryError(w http.ResponseWriter, err error) {
	var verrs validation.Errors
	switch {
	case errors.As(err, &verrs):
		writeError(w, http.StatusBadRequest, ErrorResponse{
			Code:    CodeInvalidRequest,
			Message: "request validation failed",
			Details: fieldErrors(verrs),
		})
	case errors.Is(err, registry.ErrInvalidInstance):
		writeError(w, http.StatusBadRequest, ErrorResponse{Code: CodeInvalidRequest, Message: err.Error()})
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrorResponse{Code: CodeNotFound, Message: err.Error()})
	case errors.Is(err, registry.ErrDuplicateAddress):
		writeError(w, http.StatusConflict, ErrorResponse{Code: CodeDuplicateAddress, Message: err.Error()})
	case errors.Is(err, registry.ErrInvalidTransition), errors.Is(err, registry.ErrStatusConflict):
		writeError(w, http.StatusConflict, ErrorResponse{Code: CodeInvalidTransition, Message: err.Error()})
	default:
		writeError(w, http.StatusInternalServerError, ErrorResponse{Code: CodeInternal, Message: err.Error()})
	}
}

func fieldErrors(verrs validation.Errors) map[string]string {
	out := make(map[string]string, len(verrs))
	for field, err := range verrs {
		if err != nil {
			out[field] = err.Error()
		}
	}
	return out
}
