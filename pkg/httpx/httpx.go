// Package httpx holds the JSON plumbing and middleware shared by the HTTP
// surfaces.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"applylens/pkg/models"
)

// SecurityHeadersMiddleware applies baseline hardening headers to API responses.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware enforces an explicit origin allowlist from comma-separated
// origins. Preflights from other origins are refused; simple requests pass
// through without CORS headers.
func CORSMiddleware(allowedOrigins string, extraHeaders ...string) func(http.Handler) http.Handler {
	allowed := map[string]struct{}{}
	allowAll := false
	for _, part := range strings.Split(allowedOrigins, ",") {
		switch origin := strings.TrimSpace(part); origin {
		case "":
		case "*":
			allowAll = true
		default:
			allowed[origin] = struct{}{}
		}
	}
	allowHeaders := strings.Join(append([]string{"Content-Type", "Idempotency-Key"}, extraHeaders...), ",")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := allowed[origin]; !ok && !allowAll {
				if preflight {
					Error(w, http.StatusForbidden, "origin not allowed")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
			h.Set("Access-Control-Allow-Headers", allowHeaders)
			h.Set("Access-Control-Max-Age", "600")
			if preflight {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LimitBody caps request bodies at maxBytes; DecodeJSON reports overflow as
// invalid input.
func LimitBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// DecodeJSON strictly decodes a single JSON value. Unknown fields, trailing
// data and oversized bodies are invalid input.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return models.Errorf(models.ErrInvalidInput, "request body exceeds %d bytes", tooLarge.Limit)
		}
		if errors.Is(err, io.EOF) {
			return models.Errorf(models.ErrInvalidInput, "request body required")
		}
		return models.Errorf(models.ErrInvalidInput, "decode request: %v", err)
	}
	if dec.More() {
		return models.Errorf(models.ErrInvalidInput, "unexpected data after request body")
	}
	return nil
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Error(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]any{"error": msg})
}

// StatusOf maps a typed error code to its HTTP status; foreign errors are 500.
func StatusOf(err error) int {
	switch models.CodeOf(err) {
	case models.CodeInvalidInput:
		return http.StatusBadRequest
	case models.CodeNotFound, models.CodeNoActiveBundle:
		return http.StatusNotFound
	case models.CodeStaleState, models.CodeInvalidTransition, models.CodeActionTerminal, models.CodeApprovalMismatch:
		return http.StatusConflict
	case models.CodeLintFailed, models.CodeApprovalRequired:
		return http.StatusUnprocessableEntity
	case models.CodeSoDViolation:
		return http.StatusForbidden
	case models.CodeKillSwitch:
		return http.StatusLocked
	case models.CodeExecutionDeferred:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody is the wire shape of a coded failure.
type ErrorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Detail    any    `json:"detail,omitempty"`
}

// WriteError renders err with its mapped status and returns that status.
// Untyped errors are reported as "internal error" without their text.
func WriteError(w http.ResponseWriter, err error, detail any) int {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		Error(w, status, "internal error")
		return status
	}
	var e *models.Error
	errors.As(err, &e)
	WriteJSON(w, status, ErrorBody{Error: e.Code, Message: e.Message, Retryable: e.Retryable, Detail: detail})
	return status
}

// QueryInt parses an optional integer query parameter.
func QueryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	var v int64
	if _, err := fmt.Sscan(raw, &v); err != nil {
		return 0, models.Errorf(models.ErrInvalidInput, "%s must be an integer", name)
	}
	return v, nil
}
