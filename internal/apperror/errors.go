package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// AppError is implemented by every error in the ticket-desk taxonomy.
// StatusCode is the HTTP status the transport layer answers with.
type AppError interface {
	error
	StatusCode() int
}

// FieldError represents a validation problem on a single input field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when required input is missing or malformed.
// It blocks the operation and is fully recoverable.
type ValidationError struct {
	Fields []FieldError `json:"errors"`
}

// NewValidationError creates a validation error for a single field
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

// Add appends another field error
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// HasErrors reports whether any field error was collected
func (e *ValidationError) HasErrors() bool {
	return len(e.Fields) > 0
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) StatusCode() int { return http.StatusUnprocessableEntity }

// EmptyTicketError is returned when closing a ticket without line items or with a zero total
type EmptyTicketError struct {
	TicketID string
}

func (e *EmptyTicketError) Error() string {
	return fmt.Sprintf("ticket %s has no billable items", e.TicketID)
}

func (e *EmptyTicketError) StatusCode() int { return http.StatusConflict }

// TicketAlreadyClosedError is returned for any call on a ticket in a terminal state
type TicketAlreadyClosedError struct {
	TicketID string
	Status   string
}

func (e *TicketAlreadyClosedError) Error() string {
	return fmt.Sprintf("ticket %s is already closed (%s)", e.TicketID, e.Status)
}

func (e *TicketAlreadyClosedError) StatusCode() int { return http.StatusConflict }

// TransitionError is returned when an operation is not allowed in the ticket's current state
type TransitionError struct {
	TicketID string
	Status   string
	Action   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s ticket %s while %s", e.Action, e.TicketID, e.Status)
}

func (e *TransitionError) StatusCode() int { return http.StatusConflict }

// NotFoundError is returned when a ticket, line item or capture does not exist
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) StatusCode() int { return http.StatusNotFound }

// OCRFailure is returned when text recognition failed or produced unusable text.
// Callers fall back to manual entry.
type OCRFailure struct {
	Reason string
	Err    error
}

func (e *OCRFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("text recognition failed: %s: %v", e.Reason, e.Err)
	}
	return "text recognition failed: " + e.Reason
}

func (e *OCRFailure) Unwrap() error { return e.Err }

func (e *OCRFailure) StatusCode() int { return http.StatusBadGateway }

// PersistenceError is returned when the backend rejected a call. The local
// mutation that triggered it has not been applied, so the call can be retried.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) StatusCode() int { return http.StatusServiceUnavailable }

// OverpaymentWarning is not returned as an error. It is attached to a close
// result when accumulated payments exceed the ticket total.
type OverpaymentWarning struct {
	TicketID string `json:"ticket_id"`
	Total    string `json:"total"`
	Paid     string `json:"paid"`
	Excess   string `json:"excess"`
}

func (w *OverpaymentWarning) Error() string {
	return fmt.Sprintf("ticket %s overpaid by %s (paid %s of %s)", w.TicketID, w.Excess, w.Paid, w.Total)
}

// StatusCode maps any error to an HTTP status
func StatusCode(err error) int {
	var appErr AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode()
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether the failure came from the backend and may succeed on retry
func IsRetryable(err error) bool {
	var persistErr *PersistenceError
	return errors.As(err, &persistErr)
}
