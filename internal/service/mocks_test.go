package service

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/utafrali/textile-orderflow/internal/catalog"
	"github.com/utafrali/textile-orderflow/internal/domain"
	"github.com/utafrali/textile-orderflow/internal/gateway"
	"github.com/utafrali/textile-orderflow/internal/repository"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockSessionRepo struct{ mock.Mock }

func (m *mockSessionRepo) Create(ctx context.Context, s *domain.CheckoutSession) error {
	return m.Called(ctx, s).Error(0)
}

func (m *mockSessionRepo) GetByID(ctx context.Context, id string) (*domain.CheckoutSession, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CheckoutSession), args.Error(1)
}

func (m *mockSessionRepo) MarkAwaitingGateway(ctx context.Context, corr *domain.GatewayCorrelation) error {
	return m.Called(ctx, corr).Error(0)
}

func (m *mockSessionRepo) TransitionStatus(ctx context.Context, id string, from []domain.SessionStatus, to domain.SessionStatus, reason string) (bool, error) {
	args := m.Called(ctx, id, from, to, reason)
	return args.Bool(0), args.Error(1)
}

func (m *mockSessionRepo) MarkVerified(ctx context.Context, id string, now time.Time) (bool, error) {
	args := m.Called(ctx, id, now)
	return args.Bool(0), args.Error(1)
}

func (m *mockSessionRepo) ExpireStale(ctx context.Context, now time.Time) ([]string, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type mockCorrelationRepo struct{ mock.Mock }

func (m *mockCorrelationRepo) GetByToken(ctx context.Context, token string) (*domain.GatewayCorrelation, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.GatewayCorrelation), args.Error(1)
}

func (m *mockCorrelationRepo) GetBySessionID(ctx context.Context, sessionID string) (*domain.GatewayCorrelation, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.GatewayCorrelation), args.Error(1)
}

type mockOrderRepo struct{ mock.Mock }

func (m *mockOrderRepo) FinalizeSession(ctx context.Context, o *domain.Order) (bool, error) {
	args := m.Called(ctx, o)
	return args.Bool(0), args.Error(1)
}

func (m *mockOrderRepo) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *mockOrderRepo) GetBySessionID(ctx context.Context, sessionID string) (*domain.Order, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *mockOrderRepo) List(ctx context.Context, filter repository.OrderFilter) ([]domain.Order, int, error) {
	args := m.Called(ctx, filter)
	var orders []domain.Order
	if v := args.Get(0); v != nil {
		orders = v.([]domain.Order)
	}
	return orders, args.Int(1), args.Error(2)
}

func (m *mockOrderRepo) UpdateShipping(ctx context.Context, id string, from, to domain.OrderStatus, carrier, tracking string) error {
	return m.Called(ctx, id, from, to, carrier, tracking).Error(0)
}

type mockCatalog struct{ mock.Mock }

func (m *mockCatalog) GetProduct(ctx context.Context, id string) (*catalog.Product, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*catalog.Product), args.Error(1)
}

type mockQuoter struct{ mock.Mock }

func (m *mockQuoter) Quote(country, currency string, subtotal int64, itemCount int) (int64, error) {
	args := m.Called(country, currency, subtotal, itemCount)
	return args.Get(0).(int64), args.Error(1)
}

type mockGateway struct{ mock.Mock }

func (m *mockGateway) Provider() string { return "mock" }

func (m *mockGateway) InitializeGatewaySession(ctx context.Context, s *domain.CheckoutSession) (*gateway.InitResult, error) {
	args := m.Called(ctx, s)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.InitResult), args.Error(1)
}

func (m *mockGateway) VerifyPaymentOutcome(ctx context.Context, token string) (*gateway.Outcome, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Outcome), args.Error(1)
}

type mockEvents struct{ mock.Mock }

func (m *mockEvents) PublishSessionCreated(ctx context.Context, s *domain.CheckoutSession) error {
	return m.Called(ctx, s).Error(0)
}

func (m *mockEvents) PublishSessionExpired(ctx context.Context, id string, at time.Time) error {
	return m.Called(ctx, id, at).Error(0)
}

func (m *mockEvents) PublishOrderCreated(ctx context.Context, o *domain.Order) error {
	return m.Called(ctx, o).Error(0)
}

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) NotifyShippingUpdate(ctx context.Context, o *domain.Order, carrier, tracking string) error {
	return m.Called(ctx, o, carrier, tracking).Error(0)
}
