package postgres

import (
	"encoding/json"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/textile-orderflow/internal/domain"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return mock
}

func sampleSession() *domain.CheckoutSession {
	items := []domain.LineItem{
		{ProductID: "prod-1", VariantID: "var-1", Size: "M", Color: "ecru", Name: "Linen Shirt", SKU: "LIN-01-M", UnitPrice: 100, Quantity: 2},
	}
	addr := domain.Address{FullName: "Ayşe Yılmaz", AddressLine: "Cumhuriyet Cd. 5", City: "Bursa", PostalCode: "16000", Country: "TR"}
	return domain.NewCheckoutSession("11111111-1111-1111-1111-111111111111", "user-1", items, 20, "TRY", addr, testNow, domain.DefaultSessionTTL)
}

func sessionRowColumns() []string {
	return []string{
		"id", "user_id", "status", "items", "subtotal_amount", "shipping_amount", "total_amount",
		"currency", "shipping_address", "order_id", "failure_reason", "expires_at", "created_at", "updated_at",
	}
}

func sessionRow(t *testing.T, s *domain.CheckoutSession) []any {
	t.Helper()
	items, err := json.Marshal(s.Items)
	require.NoError(t, err)
	addr, err := json.Marshal(s.ShippingAddress)
	require.NoError(t, err)

	return []any{
		s.ID, nullableString(s.UserID), string(s.Status), items, s.SubtotalAmount, s.ShippingAmount, s.TotalAmount,
		s.Currency, addr, nullableString(s.OrderID), nullableString(s.FailureReason), s.ExpiresAt, s.CreatedAt, s.UpdatedAt,
	}
}
