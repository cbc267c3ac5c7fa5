// Package gateway talks to the hosted payment gateway. The Adapter wraps a
// Provider with timeouts, idempotency keys, error classification and metrics.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/utafrali/textile-orderflow/internal/domain"
	"github.com/utafrali/textile-orderflow/pkg/logger"
)

// DefaultTimeout bounds every provider call.
const DefaultTimeout = 30 * time.Second

// InitRequest is what a provider needs to open a hosted payment page.
type InitRequest struct {
	SessionID       string
	IdempotencyKey  string
	UserID          string
	Amount          int64
	Currency        string
	Items           []domain.LineItem
	ShippingAddress domain.Address
	CallbackURL     string
}

// InitResult is the provider's answer to an initialization.
type InitResult struct {
	RedirectURL  string
	GatewayToken string
}

// Outcome is the provider's authoritative view of a payment.
type Outcome struct {
	Verified              bool
	Status                string
	Amount                int64
	Currency              string
	ProviderTransactionID string
	FailureReason         string
}

// Provider is implemented by each gateway integration.
type Provider interface {
	// Name returns the provider name (e.g., "mock", "hosted").
	Name() string

	// Initialize opens a hosted payment page for the request.
	Initialize(ctx context.Context, req *InitRequest) (*InitResult, error)

	// Retrieve queries the payment behind a gateway token.
	Retrieve(ctx context.Context, gatewayToken string) (*Outcome, error)
}

// Adapter is the checkout-facing side of the payment gateway.
type Adapter struct {
	provider    Provider
	timeout     time.Duration
	callbackURL string
	logger      *slog.Logger
}

// NewAdapter wraps provider. A non-positive timeout falls back to DefaultTimeout.
func NewAdapter(provider Provider, timeout time.Duration, callbackURL string, logger *slog.Logger) *Adapter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Adapter{
		provider:    provider,
		timeout:     timeout,
		callbackURL: callbackURL,
		logger:      logger,
	}
}

// Provider returns the name of the wrapped provider.
func (a *Adapter) Provider() string {
	return a.provider.Name()
}

// InitializeGatewaySession opens a payment page for the session's total. The
// idempotency key is derived from the session id, so a resubmission maps to
// the same gateway charge.
func (a *Adapter) InitializeGatewaySession(ctx context.Context, s *domain.CheckoutSession) (*InitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req := &InitRequest{
		SessionID:       s.ID,
		IdempotencyKey:  domain.IdempotencyKey(s.ID),
		UserID:          s.UserID,
		Amount:          s.TotalAmount,
		Currency:        s.Currency,
		Items:           s.Items,
		ShippingAddress: s.ShippingAddress,
		CallbackURL:     a.callbackURL,
	}

	start := time.Now()
	res, err := a.provider.Initialize(ctx, req)
	err = a.classify("initialize", err)
	a.observe(ctx, "initialize", start, err,
		slog.String("session_id", s.ID),
		slog.String("idempotency_key", req.IdempotencyKey),
	)
	if err != nil {
		return nil, err
	}
	if res.GatewayToken == "" || res.RedirectURL == "" {
		return nil, &TransportError{Op: "initialize", Err: errors.New("provider returned an incomplete session")}
	}
	return res, nil
}

// VerifyPaymentOutcome asks the provider what happened to the payment behind
// gatewayToken. Callers must rely on this answer, never on a status carried
// by a redirect or callback.
func (a *Adapter) VerifyPaymentOutcome(ctx context.Context, gatewayToken string) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	outcome, err := a.provider.Retrieve(ctx, gatewayToken)
	err = a.classify("retrieve", err)
	a.observe(ctx, "retrieve", start, err)
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// classify makes every provider error either a DeclinedError or a
// TransportError.
func (a *Adapter) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var declined *DeclinedError
	if errors.As(err, &declined) {
		return err
	}
	var transport *TransportError
	if errors.As(err, &transport) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

func (a *Adapter) observe(ctx context.Context, op string, start time.Time, err error, attrs ...slog.Attr) {
	outcome := outcomeLabel(err)
	requestsTotal.WithLabelValues(a.provider.Name(), op, outcome).Inc()

	attrs = append(attrs,
		slog.String("provider", a.provider.Name()),
		slog.String("operation", op),
		slog.String("outcome", outcome),
		slog.Duration("duration", time.Since(start)),
	)
	log := logger.WithContext(ctx, a.logger)
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		log.LogAttrs(ctx, slog.LevelWarn, "gateway call failed", attrs...)
		return
	}
	log.LogAttrs(ctx, slog.LevelDebug, "gateway call", attrs...)
}

func outcomeLabel(err error) string {
	var declined *DeclinedError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &declined):
		return "declined"
	default:
		return "transport_error"
	}
}
