package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/textile-orderflow/internal/domain"
	"github.com/utafrali/textile-orderflow/internal/service"
	"github.com/utafrali/textile-orderflow/pkg/health"
	"github.com/utafrali/textile-orderflow/pkg/middleware"
	"github.com/utafrali/textile-orderflow/pkg/pagination"
)

const (
	testSecret     = "handler-test-secret"
	testSuccessURL = "https://shop.example/checkout/success"
	testFailureURL = "https://shop.example/checkout/failure?lang=tr"
)

// --- Mock SessionService ---

type mockSessionService struct {
	mock.Mock
}

func (m *mockSessionService) CreateSession(ctx context.Context, userID string, input *service.CreateSessionInput) (*domain.CheckoutSession, error) {
	args := m.Called(ctx, userID, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CheckoutSession), args.Error(1)
}

func (m *mockSessionService) GetSession(ctx context.Context, id, userID string) (*domain.CheckoutSession, error) {
	args := m.Called(ctx, id, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CheckoutSession), args.Error(1)
}

func (m *mockSessionService) InitiatePayment(ctx context.Context, sessionID, userID string) (*domain.GatewayCorrelation, error) {
	args := m.Called(ctx, sessionID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.GatewayCorrelation), args.Error(1)
}

// --- Mock PaymentFinalizer ---

type mockFinalizer struct {
	mock.Mock
}

func (m *mockFinalizer) Finalize(ctx context.Context, cb service.Callback) (*domain.Order, error) {
	args := m.Called(ctx, cb)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

// --- Mock OrderService ---

type mockOrderService struct {
	mock.Mock
}

func (m *mockOrderService) GetOrder(ctx context.Context, id, userID string) (*domain.Order, error) {
	args := m.Called(ctx, id, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *mockOrderService) ListOrders(ctx context.Context, userID string, params pagination.Params) (pagination.Result[domain.Order], error) {
	args := m.Called(ctx, userID, params)
	return args.Get(0).(pagination.Result[domain.Order]), args.Error(1)
}

func (m *mockOrderService) UpdateShipping(ctx context.Context, id string, input *service.UpdateShippingInput) (*domain.Order, error) {
	args := m.Called(ctx, id, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

// --- Test Helpers ---

type testRouter struct {
	handler   http.Handler
	sessions  *mockSessionService
	finalizer *mockFinalizer
	orders    *mockOrderService
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupRouter(t *testing.T) *testRouter {
	t.Helper()
	tr := &testRouter{
		sessions:  new(mockSessionService),
		finalizer: new(mockFinalizer),
		orders:    new(mockOrderService),
	}
	tr.handler = NewRouter(tr.sessions, tr.finalizer, tr.orders, health.NewHandler(), RouterConfig{
		CORSOrigins:     []string{"https://shop.example"},
		JWTSecret:       testSecret,
		TrustUserHeader: true,
		PprofCIDRs:      []string{"127.0.0.0/8"},
		SuccessURL:      testSuccessURL,
		FailureURL:      testFailureURL,
	}, testLogger())

	t.Cleanup(func() {
		tr.sessions.AssertExpectations(t)
		tr.finalizer.AssertExpectations(t)
		tr.orders.AssertExpectations(t)
	})
	return tr
}

func bearer(t *testing.T, userID, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func sampleSession() *domain.CheckoutSession {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	return domain.NewCheckoutSession(
		"7c9e6679-7425-40de-944b-e07fc1f90ae7",
		"user-1",
		[]domain.LineItem{{ProductID: "towel-01", Name: "Peshtemal", SKU: "PS-01", UnitPrice: 10000, Quantity: 2, EmbroideryPrice: 1000}},
		4990,
		"TRY",
		domain.Address{FullName: "Ayse Yilmaz", AddressLine: "Bagdat Cd. 1", City: "Istanbul", PostalCode: "34710", Country: "TR"},
		now,
		domain.DefaultSessionTTL,
	)
}

func sampleOrder() *domain.Order {
	return domain.NewOrderFromSession("0f8fad5b-d9cb-469f-a165-70867728950e", sampleSession(), "tok_abc", "tx-1", time.Date(2026, 3, 14, 12, 5, 0, 0, time.UTC))
}
