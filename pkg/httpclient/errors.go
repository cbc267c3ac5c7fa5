package httpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/utafrali/textile-orderflow/pkg/errors"
)

// maxErrorBody bounds how much of a failed response is read.
const maxErrorBody = 64 << 10

// ResponseError is a non-2xx answer from a downstream service. It unwraps to
// the apperrors sentinel matching the status class, so callers can use
// errors.Is without the downstream message ever reaching a client.
type ResponseError struct {
	Service string
	Status  int
	Code    string
	Message string
}

func (e *ResponseError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s returned status %d: %s", e.Service, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s (status %d, code %s)", e.Service, e.Message, e.Status, e.Code)
}

func (e *ResponseError) Unwrap() error {
	switch {
	case e.Status == http.StatusNotFound:
		return apperrors.ErrNotFound
	case e.Status == http.StatusConflict:
		return apperrors.ErrConflict
	case e.Status == http.StatusBadRequest, e.Status == http.StatusUnprocessableEntity:
		return apperrors.ErrInvalidInput
	case e.Status == http.StatusUnauthorized:
		return apperrors.ErrUnauthorized
	case e.Status == http.StatusForbidden:
		return apperrors.ErrForbidden
	case e.Status == http.StatusServiceUnavailable, e.Status == http.StatusTooManyRequests:
		return apperrors.ErrServiceUnavail
	default:
		return nil
	}
}

// ParseResponseError consumes and closes the body of a failed response. The
// standard {"error":{"code","message"}} envelope is decoded when present;
// otherwise the raw body becomes the message.
func ParseResponseError(resp *http.Response, service string) error {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("%s returned status %d (failed to read body: %w)", service, resp.StatusCode, err)
	}

	respErr := &ResponseError{Service: service, Status: resp.StatusCode}

	var envelope struct {
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
		respErr.Code = envelope.Error.Code
		respErr.Message = envelope.Error.Message
		return respErr
	}

	respErr.Message = strings.TrimSpace(string(body))
	return respErr
}

// IsClientError reports whether status is a 4xx.
func IsClientError(status int) bool {
	return status >= 400 && status < 500
}
