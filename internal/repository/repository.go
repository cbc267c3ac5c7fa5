package repository

import (
	"context"
	"time"

	"github.com/utafrali/textile-orderflow/internal/domain"
)

// SessionRepository persists checkout sessions and their gateway correlation.
// Status changes are compare-and-swap: they report whether this caller made
// the change.
type SessionRepository interface {
	// Create inserts a new pending session.
	Create(ctx context.Context, session *domain.CheckoutSession) error

	// GetByID returns the session or *domain.SessionNotFoundError.
	GetByID(ctx context.Context, id string) (*domain.CheckoutSession, error)

	// MarkAwaitingGateway records the correlation and moves the session from
	// pending to awaiting_gateway in one transaction.
	MarkAwaitingGateway(ctx context.Context, corr *domain.GatewayCorrelation) error

	// TransitionStatus moves the session to `to` if its status is one of
	// `from`. reason is stored as the internal failure reason when non-empty.
	TransitionStatus(ctx context.Context, id string, from []domain.SessionStatus, to domain.SessionStatus, reason string) (bool, error)

	// MarkVerified moves awaiting_gateway to verified while the session is
	// still inside its TTL.
	MarkVerified(ctx context.Context, id string, now time.Time) (bool, error)

	// ExpireStale expires every pending or awaiting_gateway session whose
	// expires_at is before now and returns their ids.
	ExpireStale(ctx context.Context, now time.Time) ([]string, error)
}

// CorrelationRepository looks up gateway correlations.
type CorrelationRepository interface {
	GetByToken(ctx context.Context, gatewayToken string) (*domain.GatewayCorrelation, error)
	GetBySessionID(ctx context.Context, sessionID string) (*domain.GatewayCorrelation, error)
}

// OrderFilter narrows an order listing.
type OrderFilter struct {
	UserID string
	Limit  int
	Offset int
}

// OrderRepository persists orders.
type OrderRepository interface {
	// FinalizeSession atomically moves the order's session to finalized and
	// inserts the order with its items. It returns false, and writes nothing,
	// when another caller already finalized the session.
	FinalizeSession(ctx context.Context, order *domain.Order) (bool, error)

	GetByID(ctx context.Context, id string) (*domain.Order, error)
	GetBySessionID(ctx context.Context, sessionID string) (*domain.Order, error)
	List(ctx context.Context, filter OrderFilter) ([]domain.Order, int, error)

	// UpdateShipping sets carrier, tracking number and status `to`, provided
	// the order is still in status `from`.
	UpdateShipping(ctx context.Context, id string, from, to domain.OrderStatus, carrier, trackingNumber string) error
}
