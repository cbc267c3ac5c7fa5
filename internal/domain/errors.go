package domain

import (
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/utafrali/textile-orderflow/pkg/errors"
)

// InvalidCartError is returned when a cart is empty or references a product
// or variant the catalog does not know.
type InvalidCartError struct {
	ProductID string
	Reason    string
}

func (e *InvalidCartError) Error() string {
	if e.ProductID == "" {
		return "invalid cart: " + e.Reason
	}
	return fmt.Sprintf("invalid cart: product %s: %s", e.ProductID, e.Reason)
}

func (e *InvalidCartError) AppError() *apperrors.AppError {
	return &apperrors.AppError{
		Code:    "INVALID_CART",
		Message: e.Error(),
		Status:  http.StatusUnprocessableEntity,
		Err:     apperrors.ErrInvalidInput,
	}
}

// InsufficientStockError names the line that cannot be fulfilled.
type InsufficientStockError struct {
	ProductID string
	VariantID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	item := e.ProductID
	if e.VariantID != "" {
		item += "/" + e.VariantID
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", item, e.Requested, e.Available)
}

func (e *InsufficientStockError) AppError() *apperrors.AppError {
	return &apperrors.AppError{
		Code:    "INSUFFICIENT_STOCK",
		Message: e.Error(),
		Status:  http.StatusConflict,
		Err:     apperrors.ErrConflict,
	}
}

// SessionNotFoundError is returned for an unknown session id.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("checkout session %s not found", e.SessionID)
}

func (e *SessionNotFoundError) AppError() *apperrors.AppError {
	return &apperrors.AppError{
		Code:    "SESSION_NOT_FOUND",
		Message: e.Error(),
		Status:  http.StatusNotFound,
		Err:     apperrors.ErrNotFound,
	}
}

// InvalidStateTransitionError is returned when a state change is not allowed
// from the current status.
type InvalidStateTransitionError struct {
	ID   string
	From string
	To   string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("%s: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *InvalidStateTransitionError) AppError() *apperrors.AppError {
	return &apperrors.AppError{
		Code:    "INVALID_STATE_TRANSITION",
		Message: fmt.Sprintf("cannot move from %s to %s", e.From, e.To),
		Status:  http.StatusConflict,
		Err:     apperrors.ErrConflict,
	}
}

// UnknownCorrelationError is returned when no session matches a gateway token.
type UnknownCorrelationError struct {
	GatewayToken string
}

func (e *UnknownCorrelationError) Error() string {
	return fmt.Sprintf("no checkout session for gateway token %q", e.GatewayToken)
}

// AppError omits the token so it never reaches the client.
func (e *UnknownCorrelationError) AppError() *apperrors.AppError {
	return &apperrors.AppError{
		Code:    "UNKNOWN_CORRELATION",
		Message: "payment session not recognized",
		Status:  http.StatusNotFound,
		Err:     apperrors.ErrNotFound,
	}
}

// PaymentVerificationError is returned when the gateway does not confirm the
// payment, or confirms a different amount. Reason is internal.
type PaymentVerificationError struct {
	SessionID string
	Reason    string
}

func (e *PaymentVerificationError) Error() string {
	return fmt.Sprintf("payment for session %s not verified: %s", e.SessionID, e.Reason)
}

func (e *PaymentVerificationError) AppError() *apperrors.AppError {
	return &apperrors.AppError{
		Code:    "PAYMENT_NOT_VERIFIED",
		Message: "payment could not be verified",
		Status:  http.StatusPaymentRequired,
		Err:     apperrors.ErrPaymentFailed,
	}
}

// SessionExpiredError is returned for a session past its TTL.
type SessionExpiredError struct {
	SessionID string
	ExpiredAt time.Time
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("checkout session %s expired at %s", e.SessionID, e.ExpiredAt.Format(time.RFC3339))
}

func (e *SessionExpiredError) AppError() *apperrors.AppError {
	return &apperrors.AppError{
		Code:    "SESSION_EXPIRED",
		Message: "checkout session has expired",
		Status:  http.StatusGone,
		Err:     apperrors.ErrGone,
	}
}
