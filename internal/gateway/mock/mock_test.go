package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/textile-orderflow/internal/gateway"
)

func TestProvider_InitializeIsIdempotent(t *testing.T) {
	p := NewProvider()
	req := &gateway.InitRequest{SessionID: "s1", IdempotencyKey: "checkout-s1", Amount: 22000, Currency: "TRY", CallbackURL: "https://shop.test/payment/callback"}

	first, err := p.Initialize(context.Background(), req)
	require.NoError(t, err)
	second, err := p.Initialize(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.GatewayToken, second.GatewayToken)
	assert.Equal(t, TokenFor("checkout-s1"), first.GatewayToken)
	assert.Equal(t, "https://shop.test/payment/callback?token="+first.GatewayToken, first.RedirectURL)
}

func TestProvider_RetrieveDefaultsToInitializedAmount(t *testing.T) {
	p := NewProvider()
	res, err := p.Initialize(context.Background(), &gateway.InitRequest{IdempotencyKey: "checkout-s1", Amount: 22000, Currency: "TRY"})
	require.NoError(t, err)

	out, err := p.Retrieve(context.Background(), res.GatewayToken)
	require.NoError(t, err)
	assert.True(t, out.Verified)
	assert.Equal(t, int64(22000), out.Amount)
	assert.Equal(t, "TRY", out.Currency)
	assert.NotEmpty(t, out.ProviderTransactionID)
}

func TestProvider_ScriptedOutcomes(t *testing.T) {
	p := NewProvider()
	p.SetOutcome("tok", gateway.Outcome{Verified: false, Status: "failure", FailureReason: "insufficient funds"})

	out, err := p.Retrieve(context.Background(), "tok")
	require.NoError(t, err)
	assert.False(t, out.Verified)
	assert.Equal(t, "insufficient funds", out.FailureReason)

	_, err = p.Retrieve(context.Background(), "unknown")
	var declined *gateway.DeclinedError
	assert.ErrorAs(t, err, &declined)
}

func TestProvider_FailNext(t *testing.T) {
	p := NewProvider()
	boom := errors.New("boom")

	p.FailNextInitialize(boom)
	_, err := p.Initialize(context.Background(), &gateway.InitRequest{IdempotencyKey: "k"})
	assert.ErrorIs(t, err, boom)
	_, err = p.Initialize(context.Background(), &gateway.InitRequest{IdempotencyKey: "k"})
	assert.NoError(t, err)

	p.FailNextRetrieve(boom)
	_, err = p.Retrieve(context.Background(), TokenFor("k"))
	assert.ErrorIs(t, err, boom)
}
