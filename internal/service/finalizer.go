package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/utafrali/textile-orderflow/internal/domain"
	"github.com/utafrali/textile-orderflow/internal/gateway"
	"github.com/utafrali/textile-orderflow/internal/repository"
	"github.com/utafrali/textile-orderflow/pkg/logger"
)

// Callback is what the gateway, or a browser redirected by it, tells us about
// a payment. ClaimedStatus is informational only.
type Callback struct {
	GatewayToken  string
	ClaimedStatus string
}

// Finalizer turns a verified payment into exactly one order.
type Finalizer struct {
	sessions     repository.SessionRepository
	correlations repository.CorrelationRepository
	orders       repository.OrderRepository
	gateway      Gateway
	events       EventPublisher
	logger       *slog.Logger
	now          func() time.Time
	newID        func() string
}

// NewFinalizer creates a new order finalizer.
func NewFinalizer(
	sessions repository.SessionRepository,
	correlations repository.CorrelationRepository,
	orders repository.OrderRepository,
	gw Gateway,
	events EventPublisher,
	logger *slog.Logger,
) *Finalizer {
	return &Finalizer{
		sessions:     sessions,
		correlations: correlations,
		orders:       orders,
		gateway:      gw,
		events:       events,
		logger:       logger,
		now:          time.Now,
		newID:        func() string { return uuid.New().String() },
	}
}

// Finalize verifies the payment behind cb with the gateway and creates the
// order. It is idempotent: every call for an already finalized session
// returns the same order, and concurrent calls create only one.
func (f *Finalizer) Finalize(ctx context.Context, cb Callback) (*domain.Order, error) {
	order, outcome, err := f.finalize(ctx, cb)
	finalizeTotal.WithLabelValues(outcome).Inc()
	return order, err
}

func (f *Finalizer) finalize(ctx context.Context, cb Callback) (*domain.Order, string, error) {
	log := logger.WithContext(ctx, f.logger)

	corr, err := f.correlations.GetByToken(ctx, cb.GatewayToken)
	if err != nil {
		var unknown *domain.UnknownCorrelationError
		if errors.As(err, &unknown) {
			log.WarnContext(ctx, "callback for unknown gateway token")
			return nil, outcomeUnknownCorrelation, err
		}
		return nil, outcomeError, fmt.Errorf("resolve gateway correlation: %w", err)
	}

	session, err := f.sessions.GetByID(ctx, corr.SessionID)
	if err != nil {
		return nil, outcomeError, err
	}
	log = log.With(slog.String("session_id", session.ID))

	now := f.now()
	switch {
	case session.Status == domain.StatusFinalized:
		order, err := f.orders.GetBySessionID(ctx, session.ID)
		if err != nil {
			return nil, outcomeError, fmt.Errorf("get finalized order: %w", err)
		}
		return order, outcomeAlreadyFinalized, nil
	case session.IsExpiredAt(now):
		current, err := expireSession(ctx, f.sessions, f.events, log, session)
		if err != nil {
			return nil, expiredOutcome(err), err
		}
		// Another finalizer verified the session inside its TTL.
		if current.Status != domain.StatusVerified {
			return f.resolveConcurrent(ctx, current)
		}
		session = current
	case session.Status == domain.StatusFailed:
		return nil, outcomeVerificationFailed, &domain.PaymentVerificationError{SessionID: session.ID, Reason: session.FailureReason}
	case session.Status != domain.StatusAwaitingGateway && session.Status != domain.StatusVerified:
		return nil, outcomeError, &domain.InvalidStateTransitionError{
			ID:   session.ID,
			From: string(session.Status),
			To:   string(domain.StatusFinalized),
		}
	}

	result, err := f.gateway.VerifyPaymentOutcome(ctx, corr.GatewayToken)
	switch {
	case gateway.IsRetryable(err):
		log.WarnContext(ctx, "payment verification unavailable", slog.String("error", err.Error()))
		return nil, outcomeGatewayUnavailable, err
	case gateway.IsDeclined(err):
		// The gateway refused the lookup. That says nothing about the
		// payment, so the session stays open for a later callback.
		log.WarnContext(ctx, "payment verification rejected by gateway", slog.String("error", err.Error()))
		return nil, outcomeVerificationFailed, &domain.PaymentVerificationError{SessionID: session.ID, Reason: err.Error()}
	case err != nil:
		return nil, outcomeError, fmt.Errorf("verify payment outcome: %w", err)
	case !result.Verified:
		reason := result.FailureReason
		if reason == "" {
			reason = "payment status " + result.Status
		}
		return nil, outcomeVerificationFailed, f.fail(ctx, log, session, reason)
	}

	if cb.ClaimedStatus != "" && cb.ClaimedStatus != result.Status {
		log.InfoContext(ctx, "callback status differs from gateway",
			slog.String("claimed_status", cb.ClaimedStatus),
			slog.String("gateway_status", result.Status),
		)
	}

	if result.Amount != session.TotalAmount || result.Currency != session.Currency {
		reconciliationAnomalies.Inc()
		log.ErrorContext(ctx, "reconciliation anomaly: paid amount differs from session total",
			slog.Int64("session_total", session.TotalAmount),
			slog.String("session_currency", session.Currency),
			slog.Int64("paid_amount", result.Amount),
			slog.String("paid_currency", result.Currency),
			slog.String("provider_transaction_id", result.ProviderTransactionID),
		)
		reason := fmt.Sprintf("amount mismatch: expected %d %s, paid %d %s",
			session.TotalAmount, session.Currency, result.Amount, result.Currency)
		return nil, outcomeAmountMismatch, f.fail(ctx, log, session, reason)
	}

	// Verification may have taken up to the gateway timeout.
	now = f.now()
	if session.Status == domain.StatusAwaitingGateway {
		verified, err := f.sessions.MarkVerified(ctx, session.ID, now)
		if err != nil {
			return nil, outcomeError, fmt.Errorf("mark session verified: %w", err)
		}
		if !verified {
			// The TTL passed, or the sweep or another finalizer moved the
			// session first.
			current, err := f.sessions.GetByID(ctx, session.ID)
			if err != nil {
				return nil, outcomeError, err
			}
			if current.Status == domain.StatusAwaitingGateway && current.IsExpiredAt(now) {
				moved, err := expireSession(ctx, f.sessions, f.events, log, current)
				if err != nil {
					return nil, expiredOutcome(err), err
				}
				current = moved
			}
			if current.Status != domain.StatusVerified {
				return f.resolveConcurrent(ctx, current)
			}
			session = current
		}
	}

	order := domain.NewOrderFromSession(f.newID(), session, corr.GatewayToken, result.ProviderTransactionID, now)
	won, err := f.orders.FinalizeSession(ctx, order)
	if err != nil {
		return nil, outcomeError, fmt.Errorf("finalize session: %w", err)
	}
	if !won {
		existing, err := f.orders.GetBySessionID(ctx, session.ID)
		if err != nil {
			return nil, outcomeError, fmt.Errorf("get winning order: %w", err)
		}
		log.InfoContext(ctx, "finalize lost race, returning existing order", slog.String("order_id", existing.ID))
		return existing, outcomeLostRace, nil
	}

	log.InfoContext(ctx, "order created",
		slog.String("order_id", order.ID),
		slog.Int64("total_amount", order.TotalAmount),
		slog.String("currency", order.Currency),
	)

	if err := f.events.PublishOrderCreated(ctx, order); err != nil {
		log.ErrorContext(ctx, "failed to publish order created event",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}
	return order, outcomeCreated, nil
}

// resolveConcurrent reports what the winner did to a session whose
// verification compare-and-swap failed.
func (f *Finalizer) resolveConcurrent(ctx context.Context, session *domain.CheckoutSession) (*domain.Order, string, error) {
	switch session.Status {
	case domain.StatusExpired:
		return nil, outcomeExpired, &domain.SessionExpiredError{SessionID: session.ID, ExpiredAt: session.ExpiresAt}
	case domain.StatusFinalized:
		order, err := f.orders.GetBySessionID(ctx, session.ID)
		if err != nil {
			return nil, outcomeError, fmt.Errorf("get finalized order: %w", err)
		}
		return order, outcomeLostRace, nil
	case domain.StatusFailed:
		return nil, outcomeVerificationFailed, &domain.PaymentVerificationError{SessionID: session.ID, Reason: session.FailureReason}
	default:
		return nil, outcomeError, &domain.InvalidStateTransitionError{
			ID:   session.ID,
			From: string(session.Status),
			To:   string(domain.StatusVerified),
		}
	}
}

func expiredOutcome(err error) string {
	var expired *domain.SessionExpiredError
	if errors.As(err, &expired) {
		return outcomeExpired
	}
	return outcomeError
}

// fail records reason and moves the session to failed. The returned error
// never carries reason to the client.
func (f *Finalizer) fail(ctx context.Context, log *slog.Logger, session *domain.CheckoutSession, reason string) error {
	log.WarnContext(ctx, "payment verification failed", slog.String("reason", reason))

	_, err := f.sessions.TransitionStatus(ctx, session.ID,
		[]domain.SessionStatus{domain.StatusAwaitingGateway, domain.StatusVerified}, domain.StatusFailed, reason)
	if err != nil {
		log.ErrorContext(ctx, "failed to mark session failed", slog.String("error", err.Error()))
	}
	return &domain.PaymentVerificationError{SessionID: session.ID, Reason: reason}
}
