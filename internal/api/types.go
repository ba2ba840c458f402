// Package api holds the JSON wire types shared by the daemon's socket
// handlers and the client.
package api

import (
	"errors"
	"net/http"

	"github.com/Letdown2491/runkit/internal/domain"
)

// Response envelope statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Wire error kinds.
const (
	ErrKindNotFound        = "not_found"
	ErrKindInvalidRequest  = "invalid_request"
	ErrKindNotAuthorized   = "not_authorized"
	ErrKindExecutionFailed = "execution_failed"
	ErrKindTimedOut        = "timed_out"
	ErrKindPersistence     = "persistence"
	ErrKindInternal        = "internal"
	ErrKindBusy            = "busy"
)

// Response is the envelope of every reply.
type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *ErrorBody) Error() string {
	return e.Kind + ": " + e.Message
}

// ServiceView is a service descriptor with optional live status.
type ServiceView struct {
	domain.ServiceDescriptor
	Status *domain.ServiceStatus `json:"status,omitempty"`
}

// PolicyRequest is the body of a set-policy request.
type PolicyRequest struct {
	Mode domain.AuthMode `json:"mode"`
}

// ErrorFor maps a domain error to its wire kind and HTTP status.
func ErrorFor(err error) (kind string, code int) {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		if isNotFound(err) {
			return ErrKindNotFound, http.StatusNotFound
		}
		return ErrKindInvalidRequest, http.StatusBadRequest
	case domain.KindNotAuthorized:
		return ErrKindNotAuthorized, http.StatusForbidden
	case domain.KindExecutionFailed:
		return ErrKindExecutionFailed, http.StatusBadGateway
	case domain.KindTimeout:
		return ErrKindTimedOut, http.StatusGatewayTimeout
	case domain.KindPersistence:
		return ErrKindPersistence, http.StatusInternalServerError
	}
	return ErrKindInternal, http.StatusInternalServerError
}

// KindFromWire maps a wire kind back to a domain kind.
func KindFromWire(kind string) domain.ErrorKind {
	switch kind {
	case ErrKindNotFound, ErrKindInvalidRequest:
		return domain.KindValidation
	case ErrKindNotAuthorized:
		return domain.KindNotAuthorized
	case ErrKindExecutionFailed:
		return domain.KindExecutionFailed
	case ErrKindTimedOut:
		return domain.KindTimeout
	case ErrKindPersistence:
		return domain.KindPersistence
	}
	return domain.KindInternal
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
