package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/textile-orderflow/internal/domain"
	"github.com/utafrali/textile-orderflow/internal/gateway"
	"github.com/utafrali/textile-orderflow/internal/service"
	pkgkafka "github.com/utafrali/textile-orderflow/pkg/kafka"
)

type mockFinalizer struct{ mock.Mock }

func (m *mockFinalizer) Finalize(ctx context.Context, cb service.Callback) (*domain.Order, error) {
	args := m.Called(ctx, cb)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func callbackEvent(t *testing.T, token string) *pkgkafka.Event {
	t.Helper()
	evt, err := pkgkafka.NewEvent(TopicCallbackReceived, token, "payment", "edge", CallbackData{GatewayToken: token, Status: "success"})
	require.NoError(t, err)
	return evt
}

func TestHandle(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"finalized", nil, false},
		{"unknown correlation", &domain.UnknownCorrelationError{GatewayToken: "tok"}, false},
		{"expired", &domain.SessionExpiredError{SessionID: "s1"}, false},
		{"not verified", &domain.PaymentVerificationError{SessionID: "s1"}, false},
		{"gateway down", &gateway.TransportError{Op: "retrieve", Err: errors.New("timeout")}, true},
		{"database down", errors.New("connection refused"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &mockFinalizer{}
			var order *domain.Order
			if tt.err == nil {
				order = &domain.Order{ID: "o1"}
			}
			f.On("Finalize", mock.Anything, service.Callback{GatewayToken: "tok", ClaimedStatus: "success"}).Return(order, tt.err)

			err := NewCallbackRelay(f, newTestLogger()).Handle(context.Background(), callbackEvent(t, "tok"))

			assert.Equal(t, tt.wantErr, err != nil)
			f.AssertExpectations(t)
		})
	}
}

func TestHandle_MissingToken(t *testing.T) {
	f := &mockFinalizer{}

	err := NewCallbackRelay(f, newTestLogger()).Handle(context.Background(), callbackEvent(t, ""))

	require.NoError(t, err)
	f.AssertNotCalled(t, "Finalize", mock.Anything, mock.Anything)
}

func TestHandle_DuplicateDeliverySkipped(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &mockFinalizer{}
	f.On("Finalize", mock.Anything, mock.Anything).Return(&domain.Order{ID: "o1"}, nil).Once()

	store := pkgkafka.NewRedisIdempotencyStore(client, "orderflow:callbacks:", time.Hour)
	handler := pkgkafka.IdempotentHandler(store, NewCallbackRelay(f, newTestLogger()).Handle, newTestLogger())
	evt := callbackEvent(t, "tok")

	require.NoError(t, handler(context.Background(), evt))
	require.NoError(t, handler(context.Background(), evt))

	f.AssertNumberOfCalls(t, "Finalize", 1)
}
