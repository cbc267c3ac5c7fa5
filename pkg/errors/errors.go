package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinels that repositories and clients wrap. Resolve turns them into
// client-facing AppErrors.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrAlreadyExists  = errors.New("resource already exists")
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrConflict       = errors.New("conflict")
	ErrServiceUnavail = errors.New("service unavailable")
	ErrPaymentFailed  = errors.New("payment failed")
	ErrGone           = errors.New("gone")
)

// AppError is the public face of a failure: the code and message are written
// to clients, Err stays server side.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Code + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *AppError) Unwrap() error { return e.Err }

// Mapper is implemented by domain errors that choose their own public
// representation and keep the rest for the logs.
type Mapper interface {
	AppError() *AppError
}

// As finds a Mapper or an AppError in err's chain. A Mapper wins.
func As(err error) (*AppError, bool) {
	var m Mapper
	if errors.As(err, &m) {
		return m.AppError(), true
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

type sentinelInfo struct {
	sentinel error
	code     string
	status   int
	// message is shown to clients; empty means err.Error() is safe to show.
	message string
}

var sentinelTable = []sentinelInfo{
	{ErrNotFound, "NOT_FOUND", http.StatusNotFound, "resource not found"},
	{ErrAlreadyExists, "ALREADY_EXISTS", http.StatusConflict, "resource already exists"},
	{ErrConflict, "CONFLICT", http.StatusConflict, "resource was modified concurrently"},
	{ErrInvalidInput, "INVALID_INPUT", http.StatusBadRequest, ""},
	{ErrUnauthorized, "UNAUTHORIZED", http.StatusUnauthorized, "authentication required"},
	{ErrForbidden, "FORBIDDEN", http.StatusForbidden, "insufficient permissions"},
	{ErrPaymentFailed, "PAYMENT_FAILED", http.StatusUnprocessableEntity, "payment failed"},
	{ErrGone, "GONE", http.StatusGone, "resource is no longer available"},
	{ErrServiceUnavail, "SERVICE_UNAVAILABLE", http.StatusServiceUnavailable, "service temporarily unavailable"},
}

// Resolve always returns an AppError for err. Errors that are neither mapped
// nor wrap a known sentinel become INTERNAL_ERROR with a generic message.
func Resolve(err error) *AppError {
	if appErr, ok := As(err); ok {
		return appErr
	}
	for _, s := range sentinelTable {
		if !errors.Is(err, s.sentinel) {
			continue
		}
		msg := s.message
		if msg == "" {
			msg = err.Error()
		}
		return &AppError{Code: s.code, Message: msg, Status: s.status, Err: err}
	}
	return Internal(err)
}

// HTTPStatus is shorthand for Resolve(err).Status.
func HTTPStatus(err error) int {
	return Resolve(err).Status
}

func newAppError(sentinel error, code string, status int, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Status: status, Err: sentinel}
}

func NotFound(resource, id string) *AppError {
	return newAppError(ErrNotFound, "NOT_FOUND", http.StatusNotFound, fmt.Sprintf("%s with id %s not found", resource, id))
}

func InvalidInput(msg string) *AppError {
	return newAppError(ErrInvalidInput, "INVALID_INPUT", http.StatusBadRequest, msg)
}

func Unauthorized(msg string) *AppError {
	return newAppError(ErrUnauthorized, "UNAUTHORIZED", http.StatusUnauthorized, msg)
}

// ServiceUnavailable marks a failure the caller may retry.
func ServiceUnavailable(msg string) *AppError {
	return newAppError(ErrServiceUnavail, "SERVICE_UNAVAILABLE", http.StatusServiceUnavailable, msg)
}

// Internal hides err behind a generic message.
func Internal(err error) *AppError {
	return &AppError{
		Code:    "INTERNAL_ERROR",
		Message: "an internal error occurred",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}
