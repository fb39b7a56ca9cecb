package etims

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/xelth-com/etimsgo/internal/models"
)

// RemoteError carries what the remote side said about a failed call
type RemoteError struct {
	Operation  string `json:"operation,omitempty"`
	HTTPStatus int    `json:"httpStatus,omitempty"`
	ResultCode string `json:"resultCode,omitempty"`
	Message    string `json:"message"`
	Body       []byte `json:"-"`
	Err        error  `json:"-"`
}

func (e *RemoteError) describe(kind string) string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.ResultCode != "":
		return fmt.Sprintf("%s: %s [%s] %s", kind, e.Operation, e.ResultCode, msg)
	case e.HTTPStatus != 0:
		return fmt.Sprintf("%s: %s [HTTP %d] %s", kind, e.Operation, e.HTTPStatus, msg)
	}
	return fmt.Sprintf("%s: %s %s", kind, e.Operation, msg)
}

// AuthError means credentials or the communication key were rejected; an operator must act
type AuthError struct{ RemoteError }

func (e *AuthError) Error() string { return e.describe("auth error") }
func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError means the remote side rejected the payload; it is not retried automatically
type ValidationError struct{ RemoteError }

func (e *ValidationError) Error() string { return e.describe("validation error") }
func (e *ValidationError) Unwrap() error { return e.Err }

// TransientError covers network failures and 5xx responses; the next scheduled pass retries
type TransientError struct{ RemoteError }

func (e *TransientError) Error() string { return e.describe("transient error") }
func (e *TransientError) Unwrap() error { return e.Err }

// NewAuthError builds an AuthError
func NewAuthError(operation, message string, err error) *AuthError {
	return &AuthError{RemoteError{Operation: operation, Message: message, Err: err}}
}

// NewValidationError builds a ValidationError
func NewValidationError(operation, message string) *ValidationError {
	return &ValidationError{RemoteError{Operation: operation, Message: message}}
}

// NewTransientError builds a TransientError around a transport failure
func NewTransientError(operation string, err error) *TransientError {
	return &TransientError{RemoteError{Operation: operation, Err: err}}
}

// IsAuth reports whether err is or wraps an AuthError
func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

// IsValidation reports whether err is or wraps a ValidationError
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsTransient reports whether err is or wraps a TransientError
func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

// Kind maps an error to the kind recorded on submissions.
// Errors of unknown shape are treated as transient so they get another pass.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsAuth(err):
		return models.ErrorKindAuth
	case IsValidation(err):
		return models.ErrorKindValidation
	}
	return models.ErrorKindTransient
}

// Remote extracts the RemoteError details from any of the three kinds
func Remote(err error) *RemoteError {
	var a *AuthError
	if errors.As(err, &a) {
		return &a.RemoteError
	}
	var v *ValidationError
	if errors.As(err, &v) {
		return &v.RemoteError
	}
	var t *TransientError
	if errors.As(err, &t) {
		return &t.RemoteError
	}
	return nil
}

// ClassifyStatus maps a non-2xx HTTP status onto an error kind. Anything below 400
// that reaches it is a validation error, never transient, so it is not resent.
func ClassifyStatus(operation string, status int, message string, body []byte) error {
	re := RemoteError{Operation: operation, HTTPStatus: status, Message: message, Body: body}
	if re.Message == "" {
		re.Message = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{re}
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return &TransientError{re}
	}
	return &ValidationError{re}
}

// ClassifyTransport wraps an error returned by the HTTP client.
// Cancellation by the caller is passed through unchanged.
func ClassifyTransport(operation string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return NewTransientError(operation, err)
}
