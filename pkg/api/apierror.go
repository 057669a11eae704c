// Package api exposes the safety framework over HTTP/JSON. Errors are
// RFC 7807 problem details carrying the human-readable safety reason.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Kind is the safety error kind, when the failure came from the framework.
	Kind string `json:"kind,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     fmt.Sprintf("https://sanctuary.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteSafetyError maps a framework error onto a status code. Only the
// error's safety reason reaches the client; internal causes are logged.
func WriteSafetyError(w http.ResponseWriter, r *http.Request, err error) {
	status, title := statusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "error", err)
	}
	detail := contracts.ReasonOf(err)
	writeProblem(w, &ProblemDetail{
		Type:     fmt.Sprintf("https://sanctuary.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		Kind:     string(contracts.KindOf(err)),
	})
}

func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, contracts.ErrSessionNotFound),
		errors.Is(err, contracts.ErrProfileNotFound),
		errors.Is(err, contracts.ErrIntegrationNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, contracts.ErrSessionClosed),
		errors.Is(err, contracts.ErrInvalidTransition):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, contracts.ErrIntegrationIncompatible):
		return http.StatusBadRequest, "Bad Request"
	case errors.Is(err, contracts.ErrBusy):
		return http.StatusServiceUnavailable, "Service Unavailable"
	}
	switch contracts.KindOf(err) {
	case contracts.KindValidationFailed:
		return http.StatusBadRequest, "Bad Request"
	case contracts.KindUserSafetyViolation:
		return http.StatusForbidden, "Forbidden"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}
