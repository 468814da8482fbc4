// Package apierr defines the control plane's error taxonomy and the HTTP
// envelope used to surface it. Lower layers (operator, KV store, worker
// client) return plain wrapped errors via fmt.Errorf("...: %w", err); the
// manager and HTTP handler layers classify those into an APIError before
// they reach a client.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the fixed error categories from the error handling section
// of the control plane contract.
type Kind string

const (
	BadRequest    Kind = "BadRequest"
	Unauthorized  Kind = "Unauthorized"
	NotFound      Kind = "NotFound"
	Conflict      Kind = "Conflict"
	Timeout       Kind = "Timeout"
	Upstream      Kind = "Upstream"
	Internal      Kind = "Internal"
	CommandFailed Kind = "CommandFailed"
)

// statusByKind maps each Kind to its HTTP status. CommandFailed is not a
// transport-layer error: a shell command that ran to completion with a
// non-zero exit is still a 200, carrying exit_code in the response body.
var statusByKind = map[Kind]int{
	BadRequest:    http.StatusBadRequest,
	Unauthorized:  http.StatusUnauthorized,
	NotFound:      http.StatusNotFound,
	Conflict:      http.StatusConflict,
	Timeout:       http.StatusGatewayTimeout,
	Upstream:      http.StatusBadGateway,
	Internal:      http.StatusInternalServerError,
	CommandFailed: http.StatusOK,
}

// APIError is the typed error every boundary layer (manager, proxy, model
// proxy) normalizes to before responding to an HTTP caller.
type APIError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status code for this error's Kind.
func (e *APIError) Status() int {
	if status, ok := statusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func newErr(kind Kind, format string, args ...interface{}) *APIError {
	return &APIError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(kind Kind, err error, format string, args ...interface{}) *APIError {
	return &APIError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func NewBadRequest(format string, args ...interface{}) *APIError {
	return newErr(BadRequest, format, args...)
}

func NewUnauthorized(format string, args ...interface{}) *APIError {
	return newErr(Unauthorized, format, args...)
}

func NewNotFound(format string, args ...interface{}) *APIError {
	return newErr(NotFound, format, args...)
}

func NewConflict(format string, args ...interface{}) *APIError {
	return newErr(Conflict, format, args...)
}

func NewTimeout(err error, format string, args ...interface{}) *APIError {
	return wrapErr(Timeout, err, format, args...)
}

func NewUpstream(err error, format string, args ...interface{}) *APIError {
	return wrapErr(Upstream, err, format, args...)
}

func NewInternal(err error, format string, args ...interface{}) *APIError {
	return wrapErr(Internal, err, format, args...)
}

// AsAPIError classifies an arbitrary error into an *APIError, defaulting to
// Internal when err is not already one (or wrapping one).
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return wrapErr(Internal, err, "unexpected error")
}

// envelope is the {status, error, code} body written for every non-2xx
// response, and also a convenient shape for command_failed (200) bodies that
// carry a code but no status field semantics beyond "ran".
type envelope struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Code    Kind   `json:"code"`
	Message string `json:"message,omitempty"`
}

// WriteError classifies err and writes the standard error envelope with the
// status implied by its Kind.
func WriteError(w http.ResponseWriter, err error) {
	apiErr := AsAPIError(err)
	WriteAPIError(w, apiErr)
}

// WriteAPIError writes a specific, already-classified APIError.
func WriteAPIError(w http.ResponseWriter, apiErr *APIError) {
	status := apiErr.Status()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Status:  "Failed",
		Error:   apiErr.Message,
		Code:    apiErr.Kind,
		Message: apiErr.Message,
	})
}
