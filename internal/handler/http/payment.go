package http

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/utafrali/textile-orderflow/internal/domain"
	"github.com/utafrali/textile-orderflow/internal/service"
	apperrors "github.com/utafrali/textile-orderflow/pkg/errors"
	"github.com/utafrali/textile-orderflow/pkg/httputil"
	"github.com/utafrali/textile-orderflow/pkg/logger"
	"github.com/utafrali/textile-orderflow/pkg/validator"
)

//go:embed callback_schema.json
var callbackSchemaJSON []byte

var callbackSchema = validator.MustCompileSchema(callbackSchemaJSON)

// PaymentFinalizer turns a gateway callback into an order.
type PaymentFinalizer interface {
	Finalize(ctx context.Context, cb service.Callback) (*domain.Order, error)
}

// PaymentHandler receives the gateway's return redirect and server-to-server
// notifications.
type PaymentHandler struct {
	finalizer  PaymentFinalizer
	successURL string
	failureURL string
	logger     *slog.Logger
}

// NewPaymentHandler creates a payment callback handler. Browsers are sent to
// successURL or failureURL once the callback is processed.
func NewPaymentHandler(finalizer PaymentFinalizer, successURL, failureURL string, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{
		finalizer:  finalizer,
		successURL: successURL,
		failureURL: failureURL,
		logger:     logger,
	}
}

type callbackRequest struct {
	Token  string `json:"token"`
	Status string `json:"status"`
}

// Return handles GET /payment/callback, the shopper's browser coming back
// from the hosted payment page. It always answers with a 303.
func (h *PaymentHandler) Return(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		http.Redirect(w, r, withQuery(h.failureURL, "reason", "invalid_callback"), http.StatusSeeOther)
		return
	}

	order, err := h.finalizer.Finalize(r.Context(), service.Callback{
		GatewayToken:  token,
		ClaimedStatus: r.URL.Query().Get("status"),
	})
	if err != nil {
		http.Redirect(w, r, withQuery(h.failureURL, "reason", h.failureReason(r, err)), http.StatusSeeOther)
		return
	}

	http.Redirect(w, r, withQuery(h.successURL, "order_id", order.ID), http.StatusSeeOther)
}

// Notify handles POST /payment/callback. The gateway may post JSON or a
// urlencoded form; both carry token and an optional status.
func (h *PaymentHandler) Notify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, httputil.MaxBodyBytes)

	req, err := decodeCallback(r)
	if err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	order, err := h.finalizer.Finalize(r.Context(), service.Callback{
		GatewayToken:  req.Token,
		ClaimedStatus: req.Status,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, order)
}

func decodeCallback(r *http.Request) (*callbackRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data" {
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("invalid form body: %w", err)
		}
		req := &callbackRequest{
			Token:  strings.TrimSpace(r.PostForm.Get("token")),
			Status: r.PostForm.Get("status"),
		}
		if req.Token == "" {
			return nil, fmt.Errorf("token is required")
		}
		return req, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if err := callbackSchema.Validate(body); err != nil {
		return nil, err
	}
	var req callbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		return nil, fmt.Errorf("token is required")
	}
	return &req, nil
}

// failureReason is a lowercase error code for the storefront. Tokens and ids
// never appear in the failure redirect.
func (h *PaymentHandler) failureReason(r *http.Request, err error) string {
	appErr, ok := apperrors.As(err)
	if !ok || appErr.Status == http.StatusInternalServerError {
		logger.WithContext(r.Context(), h.logger).ErrorContext(r.Context(), "payment callback failed",
			slog.String("error", err.Error()),
		)
		return "internal_error"
	}
	return strings.ToLower(appErr.Code)
}

func withQuery(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
