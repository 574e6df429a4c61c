package errorutil

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
)

// Error codes shared by the server, the wire protocol and the client.
const (
	CodeAuthFailed         = "AUTH_FAILED"
	CodeTransientNetwork   = "TRANSIENT_NETWORK"
	CodeReconnectExhausted = "RECONNECT_EXHAUSTED"
	CodeTicketClosed       = "TICKET_CLOSED"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodePersistenceFailed  = "PERSISTENCE_FAILED"
	CodeNotJoined          = "NOT_JOINED"
	CodeForbidden          = "FORBIDDEN"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeConflict           = "CONFLICT"
	CodeNotFound           = "NOT_FOUND"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternal           = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. Matching is by Code only.
var (
	ErrAuth               = &DomainError{Code: CodeAuthFailed}
	ErrTransientNetwork   = &DomainError{Code: CodeTransientNetwork}
	ErrReconnectExhausted = &DomainError{Code: CodeReconnectExhausted}
	ErrTicketClosed       = &DomainError{Code: CodeTicketClosed}
	ErrValidation         = &DomainError{Code: CodeValidationFailed}
	ErrPersistence        = &DomainError{Code: CodePersistenceFailed}
	ErrNotJoined          = &DomainError{Code: CodeNotJoined}
	ErrForbidden          = &DomainError{Code: CodeForbidden}
	ErrInvalidTransition  = &DomainError{Code: CodeInvalidTransition}
	ErrConflict           = &DomainError{Code: CodeConflict}
	ErrNotFound           = &DomainError{Code: CodeNotFound}
	ErrRateLimited        = &DomainError{Code: CodeRateLimited}
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a DomainError with the same code.
func (e *DomainError) Is(target error) bool {
	var other *DomainError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Retryable reports whether the connection layer may retry automatically.
// Ticket-level errors are always surfaced to the caller instead.
func (e *DomainError) Retryable() bool {
	return e.Code == CodeTransientNetwork
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError(CodeValidationFailed, message, http.StatusBadRequest, details)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

func NewUnauthorized(message string) error {
	return NewDomainError(CodeAuthFailed, message, http.StatusUnauthorized, nil)
}

func NewForbidden(message string) error {
	return NewDomainError(CodeForbidden, message, http.StatusForbidden, nil)
}

func NewConflict(message string, details map[string]any) error {
	return NewDomainError(CodeConflict, message, http.StatusConflict, details)
}

func NewTicketClosed(ticketID string) error {
	return NewDomainError(CodeTicketClosed, "ticket is closed", http.StatusConflict, map[string]any{"ticket_id": ticketID})
}

func NewNotJoined(ticketID string) error {
	return NewDomainError(CodeNotJoined, "connection has not joined this ticket", http.StatusForbidden, map[string]any{"ticket_id": ticketID})
}

func NewInvalidTransition(from, to string) error {
	return NewDomainError(CodeInvalidTransition, "invalid status transition", http.StatusUnprocessableEntity, map[string]any{
		"from": from,
		"to":   to,
	})
}

func NewRateLimited() error {
	return NewDomainError(CodeRateLimited, "too many requests", http.StatusTooManyRequests, nil)
}

// NewPersistenceError wraps a store failure. The router never broadcasts a
// message whose persistence failed.
func NewPersistenceError(err error) error {
	return &DomainError{
		Code:       CodePersistenceFailed,
		Message:    "ticket store rejected the message",
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// NewTransientNetworkError wraps a dial/read/write failure.
func NewTransientNetworkError(err error) error {
	return &DomainError{
		Code:       CodeTransientNetwork,
		Message:    "network failure",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

func NewReconnectExhausted(attempts int) error {
	return NewDomainError(CodeReconnectExhausted, "reconnect attempts exhausted", http.StatusServiceUnavailable, map[string]any{"attempts": attempts})
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return NewNotFound("resource", nil).(*DomainError)
	}
	return NewInternalError(err).(*DomainError)
}

// FromWire rebuilds a DomainError from its wire representation.
func FromWire(code, message string, details map[string]any) *DomainError {
	if code == "" {
		code = CodeInternal
	}
	return &DomainError{Code: code, Message: message, Details: details}
}
