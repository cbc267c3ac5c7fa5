package gateway

import (
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/utafrali/textile-orderflow/pkg/errors"
)

// DeclinedError is a terminal rejection by the gateway. Retrying the same
// request will not change the answer.
type DeclinedError struct {
	Code    string
	Message string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("payment declined (%s): %s", e.Code, e.Message)
}

// AppError exposes the provider's message; it is meant for the buyer.
func (e *DeclinedError) AppError() *apperrors.AppError {
	msg := e.Message
	if msg == "" {
		msg = "payment was declined"
	}
	return &apperrors.AppError{
		Code:    "PAYMENT_DECLINED",
		Message: msg,
		Status:  http.StatusUnprocessableEntity,
		Err:     apperrors.ErrPaymentFailed,
	}
}

// TransportError means the gateway could not be reached or did not answer
// usefully. The operation may be retried.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) AppError() *apperrors.AppError {
	return &apperrors.AppError{
		Code:    "GATEWAY_UNAVAILABLE",
		Message: "payment gateway is temporarily unavailable, please retry",
		Status:  http.StatusServiceUnavailable,
		Err:     apperrors.ErrServiceUnavail,
	}
}

// IsRetryable reports whether err is a transport failure worth retrying.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsDeclined reports whether err is a terminal gateway rejection.
func IsDeclined(err error) bool {
	var de *DeclinedError
	return errors.As(err, &de)
}
