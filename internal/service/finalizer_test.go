package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/textile-orderflow/internal/domain"
	"github.com/utafrali/textile-orderflow/internal/gateway"
	"github.com/utafrali/textile-orderflow/internal/gateway/hosted"
	apperrors "github.com/utafrali/textile-orderflow/pkg/errors"
	"github.com/utafrali/textile-orderflow/pkg/httpclient"
)

type finalizerFixture struct {
	sessions     *mockSessionRepo
	correlations *mockCorrelationRepo
	orders       *mockOrderRepo
	gateway      *mockGateway
	events       *mockEvents
	finalizer    *Finalizer
}

func newFinalizerFixture() *finalizerFixture {
	f := &finalizerFixture{
		sessions:     &mockSessionRepo{},
		correlations: &mockCorrelationRepo{},
		orders:       &mockOrderRepo{},
		gateway:      &mockGateway{},
		events:       &mockEvents{},
	}
	f.finalizer = NewFinalizer(f.sessions, f.correlations, f.orders, f.gateway, f.events, newTestLogger())
	f.finalizer.now = func() time.Time { return testNow }
	f.finalizer.newID = func() string { return "order-1" }
	return f
}

// awaitingSession is the 100 x 2 + 20 = 220 checkout, waiting on the gateway.
func awaitingSession() *domain.CheckoutSession {
	items := []domain.LineItem{{ProductID: "p1", Name: "Linen Shirt", UnitPrice: 10000, Quantity: 2}}
	s := domain.NewCheckoutSession("sess-1", "user-1", items, 2000, "TRY", domain.Address{FullName: "Ayse", Country: "TR"}, testNow.Add(-10*time.Minute), domain.DefaultSessionTTL)
	s.Status = domain.StatusAwaitingGateway
	return s
}

func (f *finalizerFixture) withCorrelation() {
	f.correlations.On("GetByToken", mock.Anything, "tok-1").
		Return(&domain.GatewayCorrelation{SessionID: "sess-1", GatewayToken: "tok-1", Provider: "mock"}, nil)
}

func paid(amount int64, currency string) *gateway.Outcome {
	return &gateway.Outcome{Verified: true, Status: "success", Amount: amount, Currency: currency, ProviderTransactionID: "pay-1"}
}

func finalizeCount(outcome string) float64 {
	return testutil.ToFloat64(finalizeTotal.WithLabelValues(outcome))
}

func TestFinalize_CreatesOrderFromSessionSnapshot(t *testing.T) {
	f := newFinalizerFixture()
	ctx := context.Background()
	session := awaitingSession()
	before := finalizeCount(outcomeCreated)

	f.withCorrelation()
	f.sessions.On("GetByID", ctx, "sess-1").Return(session, nil)
	f.gateway.On("VerifyPaymentOutcome", ctx, "tok-1").Return(paid(22000, "TRY"), nil)
	f.sessions.On("MarkVerified", ctx, "sess-1", testNow).Return(true, nil)
	f.orders.On("FinalizeSession", ctx, mock.AnythingOfType("*domain.Order")).Return(true, nil)
	f.events.On("PublishOrderCreated", ctx, mock.AnythingOfType("*domain.Order")).Return(nil)

	order, err := f.finalizer.Finalize(ctx, Callback{GatewayToken: "tok-1", ClaimedStatus: "success"})

	require.NoError(t, err)
	assert.Equal(t, "order-1", order.ID)
	assert.Equal(t, "sess-1", order.SessionID)
	assert.Equal(t, domain.OrderStatusConfirmed, order.Status)
	assert.Equal(t, int64(20000), order.SubtotalAmount)
	assert.Equal(t, int64(2000), order.ShippingAmount)
	assert.Equal(t, int64(22000), order.TotalAmount)
	require.Len(t, order.Items, 1)
	assert.Equal(t, session.Items[0], order.Items[0].LineItem)
	assert.Equal(t, "pay-1", order.ProviderTransactionID)
	assert.Equal(t, "tok-1", order.GatewayToken)
	assert.Equal(t, before+1, finalizeCount(outcomeCreated))
	f.orders.AssertExpectations(t)
	f.events.AssertExpectations(t)
}

func TestFinalize_IdempotentForFinalizedSession(t *testing.T) {
	f := newFinalizerFixture()
	ctx := context.Background()
	session := awaitingSession()
	session.Status = domain.StatusFinalized
	session.OrderID = "order-0"
	existing := &domain.Order{ID: "order-0", SessionID: "sess-1"}

	f.withCorrelation()
	f.sessions.On("GetByID", ctx, "sess-1").Return(session, nil)
	f.orders.On("GetBySessionID", ctx, "sess-1").Return(existing, nil)

	for range 3 {
		order, err := f.finalizer.Finalize(ctx, Callback{GatewayToken: "tok-1"})
		require.NoError(t, err)
		assert.Same(t, existing, order)
	}
	f.gateway.AssertNotCalled(t, "VerifyPaymentOutcome", mock.Anything, mock.Anything)
	f.orders.AssertNotCalled(t, "FinalizeSession", mock.Anything, mock.Anything)
}

func TestFinalize_UnknownToken(t *testing.T) {
	f := newFinalizerFixture()
	ctx := context.Background()
	f.correlations.On("GetByToken", ctx, "forged").Return(nil, &domain.UnknownCorrelationError{GatewayToken: "forged"})

	_, err := f.finalizer.Finalize(ctx, Callback{GatewayToken: "forged"})

	var unknown *domain.UnknownCorrelationError
	require.ErrorAs(t, err, &unknown)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.NotContains(t, appErr.Message, "forged")
}

func TestFinalize_ExpiredSessionIsNeverFinalized(t *testing.T) {
	f := newFinalizerFixture()
	ctx := context.Background()
	session := awaitingSession()
	session.ExpiresAt = testNow.Add(-time.Second)

	f.withCorrelation()
	f.sessions.On("GetByID", ctx, "sess-1").Return(session, nil)
	f.sessions.On("TransitionStatus", ctx, "sess-1",
		[]domain.SessionStatus{domain.StatusPending, domain.StatusAwaitingGateway}, domain.StatusExpired, "").Return(true, nil)
	f.events.On("PublishSessionExpired", ctx, "sess-1", mock.Anything).Return(nil)

	_, err := f.finalizer.Finalize(ctx, Callback{GatewayToken: "tok-1"})

	var expired *domain.SessionExpiredError
	require.ErrorAs(t, err, &expired)
	f.gateway.AssertNotCalled(t, "VerifyPaymentOutcome", mock.Anything, mock.Anything)
	f.orders.AssertNotCalled(t, "FinalizeSession", mock.Anything, mock.Anything)
}

// Session created, 31 minutes pass, the sweep expires it, then the buyer's
// redirect arrives.
func TestFinalize_AfterSweepReturnsSessionExpired(t *testing.T) {
	sf := newSessionFixture()
	ctx := context.Background()
	later := testNow.Add(31 * time.Minute)

	sf.sessions.On("ExpireStale", ctx, later).Return([]string{"sess-1"}, nil)
	sf.events.On("PublishSessionExpired", ctx, "sess-1", later).Return(nil)
	n, err := sf.svc.ExpireStaleSessions(ctx, later)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	f := newFinalizerFixture()
	f.finalizer.now = func() time.Time { return later }
	session := awaitingSession()
	session.Status = domain.StatusExpired
	f.withCorrelation()
	f.sessions.On("GetByID", ctx, "sess-1").Return(session, nil)

	_, err = f.finalizer.Finalize(ctx, Callback{GatewayToken: "tok-1", ClaimedStatus: "success"})

	var expired *domain.SessionExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, 410, apperrors.HTTPStatus(err))
	f.sessions.AssertNotCalled(t, "TransitionStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.orders.AssertNotCalled(t, "FinalizeSession", mock.Anything, mock.Anything)
}

func TestFinalize_FailedSession(t *testing.T) {
	f := newFinalizerFixture()
	ctx := context.Background()
	session := awaitingSession()
	session.Status = domain.StatusFailed

	f.withCorrelation()
	f.sessions.On("GetByID", ctx, "sess-1").Return(session, nil)

	_, err := f.finalizer.Finalize(ctx, Callback{GatewayToken: "tok-1"})

	var pv *domain.PaymentVerificationError
	assert.ErrorAs(t, err, &pv)
	f.gateway.AssertNotCalled(t, "VerifyPaymentOutcome", mock.Anything, mock.Anything)
}

func TestFinalize_NotVerified(t *testing.T) {
	f := newFinalizerFixture()
	ctx := context.Background()

	f.withCorrelation()
	f.sessions.On("GetByID", ctx, "sess-1").Return(awaitingSession(), nil)
	f.gateway.On("VerifyPaymentOutcome", ctx, "tok-1").
		Return(&gateway.Outcome{Verified: false, Status: "failure", FailureReason: "card declined"}, nil)
	f.sessions.On("TransitionStatus", ctx, "sess-1",
		[]domain.SessionStatus{domain.StatusAwaitingGateway, domain.StatusVerified}, domain.StatusFailed, "card declined").Return(true, nil)

	// The claimed status is ignored; the gateway's answer wins.
	_, err := f.finalizer.Finalize(ctx, Callback{GatewayToken: "tok-1", ClaimedStatus: "success"})

	var pv *domain.PaymentVerificationError
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, 402, apperrors.HTTPStatus(err))
	f.sessions.AssertExpectations(t)
	f.orders.AssertNotCalled(t, "FinalizeSession", mock.Anything, mock.Anything)
}

func TestFinalize_RejectedLookupLeavesSessionOpen(t *testing.T) {
	f := newFinalizerFixture()
	ctx := context.Background()
	declined := &gateway.DeclinedError{Code: "not_found", Message: "unknown payment token"}

	f.withCorrelation()
	f.sessions.On("GetByID", ctx, "sess-1").Return(awaitingSession(), nil)
	f.gateway.On("VerifyPaymentOutcome", ctx, "tok-1").Return(nil, declined)

	_, err := f.finalizer.Finalize(ctx, Callback{GatewayToken: "tok-1"})

	var pv *domain.PaymentVerificationError
	assert.ErrorAs(t, err, &pv)
	f.sessions.AssertNotCalled(t, "TransitionStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.orders.AssertNotCalled(t, "FinalizeSession", mock.Anything, mock.Anything)
}

// A captured payment must survive the gateway throttling or refusing our
// credentials on the lookup.
func TestFinalize_GatewayRefusalOnVerifyLeavesSessionAwaiting(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"rate limited", http.StatusTooManyRequests},
		{"unauthorized", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error_code":"throttled","error_message":"slow down"}`)
			}))
			t.Cleanup(srv.Close)

			logger := newTestLogger()
			base := httpclient.New(httpclient.Config{Timeout: time.Second, MaxConnsPerHost: 2})
			cb := httpclient.NewCircuitBreakerClient(base, httpclient.DefaultCircuitBreakerConfig("finalizer-"+t.Name()), logger)
			adapter := gateway.NewAdapter(hosted.NewProvider(cb, hosted.Config{BaseURL: srv.URL}), time.Second, "", logger)

			f := newFinalizerFixture()
			f.finalizer.gateway = adapter
			ctx := context.Background()
			f.withCorrelation()
			f.sessions.On("GetByID", ctx, "sess-1").Return(awaitingSession(), nil)

			_, err := f.finalizer.Finalize(ctx, Callback{GatewayToken: "tok-1", ClaimedStatus: "success"})

			require.Error(t, err)
			assert.True(t, gateway.IsRetryable(err))
			assert.Equal(t, 503, apperrors.HTTPStatus(err))
			f.sessions.AssertNotCalled(t, "TransitionStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			f.sessions.AssertNotCalled(t, "MarkVerified", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestFinalize_AmountMismatchCreatesNoOrder(t *testing.T) {
	tests := map[string]*gateway.Outcome{
		"amount":   paid(100, "TRY"),
		"currency": paid(22000, "EUR"),
	}

	for name, outcome := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFinalizerFixture()
			ctx := context.Background()
			anomalies := testutil.ToFloat64(reconciliationAnomalies)

			f.withCorrelation()
			f.sessions.On("GetByID", ctx, "sess-1").Return(awaitingSession(), nil)
			f.gateway.On("VerifyPaymentOutcome", ctx, "tok-1").Return(outcome, nil)
			f.sessions.On("TransitionStatus", ctx, "sess-1",
				[]domain.SessionStatus{domain.StatusAwaitingGateway, domain.StatusVerified}, domain.StatusFailed,
				mock.MatchedBy(func(reason string) bool { return len(reason) > 0 })).Return(true, nil)

			order, err := f.finalizer.Finalize(ctx, Callback{GatewayToken: "tok-1"})

			assert.Nil(t, order)
			var pv *domain.PaymentVerificationError
			require.ErrorAs(t, err, &pv)
			appErr, ok := apperrors.As(err)
			require.True(t, ok)
			assert.NotContains(t, appErr.Message, "22000")
			assert.NotContains(t, appErr.Message, "mismatch")
			assert.Equal(t, anomalies+1, testutil.ToFloat64(reconciliationAnomalies))
			f.sessions.AssertNotCalled(t, "MarkVerified", mock.Anything, mock.Anything, mock.Anything)
			f.orders.AssertNotCalled(t, "FinalizeSession", mock.Anything, mock.Anything)
		})
	}
}

func TestFinalize_GatewayUnavailableLeavesStateUnchanged(t *testing.T) {
	f := newFinalizerFixture()
	ctx := context.Background()

	f.withCorrelation()
	f.sessions.On("GetByID", ctx, "sess-1").Return(awaitingSession(), nil)
	f.gateway.On("VerifyPaymentOutcome", ctx, "tok-1").Return(nil, &gateway.TransportError{Op: "retrieve", Err: errors.New("timeout")})

	_, err := f.finalizer.Finalize(ctx, Callback{GatewayToken: "tok-1"})

	assert.True(t, gateway.IsRetryable(err))
	f.sessions.AssertNotCalled(t, "TransitionStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.sessions.AssertNotCalled(t, "MarkVerified", mock.Anything, mock.Anything, mock.Anything)
}

func TestFinalize_LostRaceReturnsWinnersOrder(t *testing.T) {
	f := newFinalizerFixture()
	ctx := context.Background()
	winner := &domain.Order{ID: "order-winner", SessionID: "sess-1"}
	lostRaces := finalizeCount(outcomeLostRace)

	f.withCorrelation()
	f.sessions.On("GetByID", ctx, "sess-1").Return(awaitingSession(), nil)
	f.gateway.On("VerifyPaymentOutcome", ctx, "tok-1").Return(paid(22000, "TRY"), nil)
	f.sessions.On("MarkVerified", ctx, "sess-1", testNow).Return(true, nil)
	f.orders.On("FinalizeSession", ctx, mock.Anything).Return(false, nil)
	f.orders.On("GetBySessionID", ctx, "sess-1").Return(winner, nil)

	order, err := f.finalizer.Finalize(ctx, Callback{GatewayToken: "tok-1"})

	require.NoError(t, err)
	assert.Same(t, winner, order)
	assert.Equal(t, lostRaces+1, finalizeCount(outcomeLostRace))
	f.events.AssertNotCalled(t, "PublishOrderCreated", mock.Anything, mock.Anything)
}

func TestFinalize_VerifyLosesToSweep(t *testing.T) {
	f := newFinalizerFixture()
	ctx := context.Background()
	expired := awaitingSession()
	expired.Status = domain.StatusExpired

	f.withCorrelation()
	f.sessions.On("GetByID", ctx, "sess-1").Return(awaitingSession(), nil).Once()
	f.gateway.On("VerifyPaymentOutcome", ctx, "tok-1").Return(paid(22000, "TRY"), nil)
	f.sessions.On("MarkVerified", ctx, "sess-1", testNow).Return(false, nil)
	f.sessions.On("GetByID", ctx, "sess-1").Return(expired, nil).Once()

	_, err := f.finalizer.Finalize(ctx, Callback{GatewayToken: "tok-1"})

	var se *domain.SessionExpiredError
	require.ErrorAs(t, err, &se)
	f.orders.AssertNotCalled(t, "FinalizeSession", mock.Anything, mock.Anything)
}

func TestFinalize_VerifyLosesToConcurrentVerify(t *testing.T) {
	f := newFinalizerFixture()
	ctx := context.Background()
	verified := awaitingSession()
	verified.Status = domain.StatusVerified

	f.withCorrelation()
	f.sessions.On("GetByID", ctx, "sess-1").Return(awaitingSession(), nil).Once()
	f.gateway.On("VerifyPaymentOutcome", ctx, "tok-1").Return(paid(22000, "TRY"), nil)
	f.sessions.On("MarkVerified", ctx, "sess-1", testNow).Return(false, nil)
	f.sessions.On("GetByID", ctx, "sess-1").Return(verified, nil).Once()
	f.orders.On("FinalizeSession", ctx, mock.Anything).Return(true, nil)
	f.events.On("PublishOrderCreated", ctx, mock.Anything).Return(nil)

	order, err := f.finalizer.Finalize(ctx, Callback{GatewayToken: "tok-1"})

	require.NoError(t, err)
	assert.Equal(t, "pay-1", order.ProviderTransactionID)
}

func TestFinalize_VerifiedSessionPastTTLStillFinalizes(t *testing.T) {
	f := newFinalizerFixture()
	ctx := context.Background()
	session := awaitingSession()
	session.Status = domain.StatusVerified
	session.ExpiresAt = testNow.Add(-time.Hour)

	f.withCorrelation()
	f.sessions.On("GetByID", ctx, "sess-1").Return(session, nil)
	f.gateway.On("VerifyPaymentOutcome", ctx, "tok-1").Return(paid(22000, "TRY"), nil)
	f.orders.On("FinalizeSession", ctx, mock.Anything).Return(true, nil)
	f.events.On("PublishOrderCreated", ctx, mock.Anything).Return(errors.New("broker down"))

	order, err := f.finalizer.Finalize(ctx, Callback{GatewayToken: "tok-1"})

	require.NoError(t, err)
	assert.Equal(t, "order-1", order.ID)
	f.sessions.AssertNotCalled(t, "MarkVerified", mock.Anything, mock.Anything, mock.Anything)
}

// A callback that read the session before its TTL passed can lose the
// expire compare-and-swap to a finalizer that already created the order.
func TestFinalize_ExpireLosesToFinalizedSession(t *testing.T) {
	f := newFinalizerFixture()
	ctx := context.Background()
	stale := awaitingSession()
	stale.ExpiresAt = testNow.Add(-time.Second)
	finalized := awaitingSession()
	finalized.Status = domain.StatusFinalized
	winner := &domain.Order{ID: "winner", SessionID: "sess-1"}

	f.withCorrelation()
	f.sessions.On("GetByID", ctx, "sess-1").Return(stale, nil).Once()
	f.sessions.On("TransitionStatus", ctx, "sess-1",
		[]domain.SessionStatus{domain.StatusPending, domain.StatusAwaitingGateway}, domain.StatusExpired, "").Return(false, nil)
	f.sessions.On("GetByID", ctx, "sess-1").Return(finalized, nil).Once()
	f.orders.On("GetBySessionID", ctx, "sess-1").Return(winner, nil)

	order, err := f.finalizer.Finalize(ctx, Callback{GatewayToken: "tok-1"})

	require.NoError(t, err)
	assert.Same(t, winner, order)
	f.events.AssertNotCalled(t, "PublishSessionExpired", mock.Anything, mock.Anything, mock.Anything)
	f.gateway.AssertNotCalled(t, "VerifyPaymentOutcome", mock.Anything, mock.Anything)
}

func TestFinalize_ExpireLosesToVerifiedSession(t *testing.T) {
	f := newFinalizerFixture()
	ctx := context.Background()
	stale := awaitingSession()
	stale.ExpiresAt = testNow.Add(-time.Second)
	verified := awaitingSession()
	verified.Status = domain.StatusVerified
	verified.ExpiresAt = stale.ExpiresAt

	f.withCorrelation()
	f.sessions.On("GetByID", ctx, "sess-1").Return(stale, nil).Once()
	f.sessions.On("TransitionStatus", ctx, "sess-1",
		[]domain.SessionStatus{domain.StatusPending, domain.StatusAwaitingGateway}, domain.StatusExpired, "").Return(false, nil)
	f.sessions.On("GetByID", ctx, "sess-1").Return(verified, nil).Once()
	f.gateway.On("VerifyPaymentOutcome", ctx, "tok-1").Return(paid(22000, "TRY"), nil)
	f.orders.On("FinalizeSession", ctx, mock.Anything).Return(false, nil)
	f.orders.On("GetBySessionID", ctx, "sess-1").Return(&domain.Order{ID: "winner"}, nil)

	order, err := f.finalizer.Finalize(ctx, Callback{GatewayToken: "tok-1"})

	require.NoError(t, err)
	assert.Equal(t, "winner", order.ID)
	f.sessions.AssertNotCalled(t, "MarkVerified", mock.Anything, mock.Anything, mock.Anything)
}

func TestFinalize_TTLPassesDuringVerification(t *testing.T) {
	f := newFinalizerFixture()
	ctx := context.Background()
	session := awaitingSession()
	session.ExpiresAt = testNow.Add(5 * time.Second)
	afterVerify := testNow.Add(20 * time.Second)
	clock := []time.Time{testNow, afterVerify}
	f.finalizer.now = func() time.Time {
		next := clock[0]
		if len(clock) > 1 {
			clock = clock[1:]
		}
		return next
	}

	f.withCorrelation()
	f.sessions.On("GetByID", ctx, "sess-1").Return(session, nil)
	f.gateway.On("VerifyPaymentOutcome", ctx, "tok-1").Return(paid(22000, "TRY"), nil)
	f.sessions.On("MarkVerified", ctx, "sess-1", afterVerify).Return(false, nil)
	f.sessions.On("TransitionStatus", ctx, "sess-1",
		[]domain.SessionStatus{domain.StatusPending, domain.StatusAwaitingGateway}, domain.StatusExpired, "").Return(true, nil)
	f.events.On("PublishSessionExpired", ctx, "sess-1", mock.Anything).Return(nil)

	_, err := f.finalizer.Finalize(ctx, Callback{GatewayToken: "tok-1"})

	var expired *domain.SessionExpiredError
	require.ErrorAs(t, err, &expired)
	f.sessions.AssertExpectations(t)
	f.orders.AssertNotCalled(t, "FinalizeSession", mock.Anything, mock.Anything)
}
