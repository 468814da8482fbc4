package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAPIError_Status(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected int
	}{
		{"bad request", NewBadRequest("cpus exceed max"), http.StatusBadRequest},
		{"not found", NewNotFound("sandbox %s unknown", "sb-1"), http.StatusNotFound},
		{"conflict", NewConflict("session already closed"), http.StatusConflict},
		{"timeout", NewTimeout(errors.New("context deadline exceeded"), "worker did not respond"), http.StatusGatewayTimeout},
		{"upstream", NewUpstream(errors.New("connection reset"), "worker returned non-2xx"), http.StatusBadGateway},
		{"internal", NewInternal(errors.New("boom"), "unexpected"), http.StatusInternalServerError},
		{"command failed", &APIError{Kind: CommandFailed, Message: "exit code 1"}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Status(); got != tt.expected {
				t.Errorf("Status() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	inner := errors.New("dial tcp: connection refused")
	wrapped := NewUpstream(inner, "worker unreachable")

	if !errors.Is(wrapped, inner) {
		t.Error("expected errors.Is to find the wrapped inner error")
	}
}

func TestAsAPIError(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		if AsAPIError(nil) != nil {
			t.Error("expected nil for nil input")
		}
	})

	t.Run("already an APIError", func(t *testing.T) {
		original := NewConflict("duplicate sandbox id")
		got := AsAPIError(original)
		if got != original {
			t.Error("expected the same *APIError to be returned unchanged")
		}
	})

	t.Run("plain error defaults to Internal", func(t *testing.T) {
		got := AsAPIError(errors.New("something went wrong"))
		if got.Kind != Internal {
			t.Errorf("expected Kind Internal, got %s", got.Kind)
		}
		if got.Status() != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", got.Status())
		}
	})

	t.Run("wrapped APIError is unwrapped by errors.As", func(t *testing.T) {
		inner := NewNotFound("sandbox sb-1 unknown")
		wrapped := fmt.Errorf("deployment.stop: %w", inner)
		got := AsAPIError(wrapped)
		if got.Kind != NotFound {
			t.Errorf("expected Kind NotFound, got %s", got.Kind)
		}
	})
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, NewBadRequest("cpus must be positive"))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body["code"] != string(BadRequest) {
		t.Errorf("expected code BadRequest, got %v", body["code"])
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("expected application/json content type, got %s", rec.Header().Get("Content-Type"))
	}
}

func TestWriteError_PlainErrorDefaultsToInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("unexpected panic recovery"))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
}

func TestWriteAPIError_CommandFailedIsHTTP200(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteAPIError(rec, &APIError{Kind: CommandFailed, Message: "command exited 1"})

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200 for CommandFailed, got %d", rec.Code)
	}
}
