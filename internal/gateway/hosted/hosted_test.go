package hosted

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/textile-orderflow/internal/domain"
	"github.com/utafrali/textile-orderflow/internal/gateway"
	"github.com/utafrali/textile-orderflow/pkg/httpclient"
)

const (
	testAPIKey    = "api-key"
	testSecretKey = "secret-key"
)

func newTestProvider(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := httpclient.New(httpclient.Config{Timeout: time.Second, MaxRetries: 0, MaxConnsPerHost: 4})
	cb := httpclient.NewCircuitBreakerClient(base, httpclient.DefaultCircuitBreakerConfig("gateway-test-"+t.Name()), logger)
	return NewProvider(cb, Config{BaseURL: srv.URL + "/", APIKey: testAPIKey, SecretKey: testSecretKey})
}

func sampleRequest() *gateway.InitRequest {
	return &gateway.InitRequest{
		SessionID:      "sess-1",
		IdempotencyKey: "checkout-sess-1",
		UserID:         "user-1",
		Amount:         22000,
		Currency:       "TRY",
		Items: []domain.LineItem{
			{ProductID: "p1", Name: "Linen Shirt", UnitPrice: 10000, Quantity: 2, LineTotal: 20000},
		},
		ShippingAddress: domain.Address{FullName: "Ayse Yilmaz", AddressLine: "Bagdat Cd. 1", City: "Istanbul", Country: "TR", PostalCode: "34710"},
		CallbackURL:     "https://shop.test/payment/callback",
	}
}

func TestInitialize(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, initializePath, r.URL.Path)
		assert.Equal(t, "checkout-sess-1", r.Header.Get("Idempotency-Key"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		wantSig := Sign(testSecretKey, r.Header.Get("X-Nonce"), initializePath, body)
		assert.Equal(t, "HMAC "+testAPIKey+":"+wantSig, r.Header.Get("Authorization"))

		var req initializeRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "220.00", req.PaidPrice)
		assert.Equal(t, "sess-1", req.ConversationID)
		require.Len(t, req.BasketItems, 2)
		assert.Equal(t, "200.00", req.BasketItems[0].Price)
		assert.Equal(t, "shipping", req.BasketItems[1].ID)
		assert.Equal(t, "20.00", req.BasketItems[1].Price)

		_, _ = io.WriteString(w, `{"status":"success","token":"tok-1","payment_page_url":"https://pay.test/tok-1"}`)
	})

	res, err := p.Initialize(context.Background(), sampleRequest())

	require.NoError(t, err)
	assert.Equal(t, "tok-1", res.GatewayToken)
	assert.Equal(t, "https://pay.test/tok-1", res.RedirectURL)
}

func TestInitialize_Failures(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantDeclined bool
	}{
		{"failure status", http.StatusOK, `{"status":"failure","error_code":"5001","error_message":"invalid basket"}`, true},
		{"client error", http.StatusBadRequest, `{"error_code":"1000","error_message":"bad request"}`, true},
		{"rate limited", http.StatusTooManyRequests, `{"error_code":"429","error_message":"slow down"}`, false},
		{"request timeout", http.StatusRequestTimeout, ``, false},
		{"bad credentials", http.StatusUnauthorized, `{"error_code":"auth","error_message":"invalid api key"}`, false},
		{"forbidden", http.StatusForbidden, ``, false},
		{"server error", http.StatusBadGateway, `upstream down`, false},
		{"garbage body", http.StatusOK, `<html>`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := p.Initialize(context.Background(), sampleRequest())

			require.Error(t, err)
			assert.Equal(t, tt.wantDeclined, gateway.IsDeclined(err))
			assert.Equal(t, !tt.wantDeclined, gateway.IsRetryable(err))
		})
	}
}

func TestInitialize_Unreachable(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := httpclient.New(httpclient.Config{Timeout: 200 * time.Millisecond, MaxConnsPerHost: 1})
	cb := httpclient.NewCircuitBreakerClient(base, httpclient.DefaultCircuitBreakerConfig("gateway-test-unreachable"), logger)
	p := NewProvider(cb, Config{BaseURL: "http://127.0.0.1:1"})

	_, err := p.Initialize(context.Background(), sampleRequest())

	assert.True(t, gateway.IsRetryable(err))
}

func TestRetrieve(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, retrievePath, r.URL.Path)
		assert.Equal(t, "retrieve-tok-1", r.Header.Get("Idempotency-Key"))

		var req retrieveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tok-1", req.Token)

		_, _ = io.WriteString(w, `{"status":"success","payment_status":"SUCCESS","payment_id":"pay-9","paid_price":"220.0","currency":"try"}`)
	})

	out, err := p.Retrieve(context.Background(), "tok-1")

	require.NoError(t, err)
	assert.True(t, out.Verified)
	assert.Equal(t, int64(22000), out.Amount)
	assert.Equal(t, "TRY", out.Currency)
	assert.Equal(t, "pay-9", out.ProviderTransactionID)
}

func TestRetrieve_NotPaid(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"success","payment_status":"FAILURE","error_message":"card declined","currency":"TRY"}`)
	})

	out, err := p.Retrieve(context.Background(), "tok-1")

	require.NoError(t, err)
	assert.False(t, out.Verified)
	assert.Equal(t, "failure", out.Status)
	assert.Equal(t, "card declined", out.FailureReason)
}

func TestRetrieve_BadPaidPrice(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"success","payment_status":"SUCCESS","paid_price":"22x","currency":"TRY"}`)
	})

	_, err := p.Retrieve(context.Background(), "tok-1")

	assert.True(t, gateway.IsRetryable(err))
}

func TestRetrieve_LookupFailuresAreRetryable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error_code":"429","error_message":"slow down"}`},
		{"bad credentials", http.StatusUnauthorized, `{"error_code":"auth","error_message":"invalid api key"}`},
		{"forbidden", http.StatusForbidden, ``},
		{"unknown token", http.StatusNotFound, `{"error_code":"not_found"}`},
		{"lookup failure", http.StatusOK, `{"status":"failure","error_code":"5002","error_message":"system error"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			adapter := gateway.NewAdapter(p, time.Second, "", slog.New(slog.NewTextHandler(io.Discard, nil)))

			out, err := adapter.VerifyPaymentOutcome(context.Background(), "tok-1")

			assert.Nil(t, out)
			assert.True(t, gateway.IsRetryable(err))
			assert.False(t, gateway.IsDeclined(err))
		})
	}
}
