// Package mock is an in-memory payment gateway for development and tests.
package mock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sync"

	"github.com/google/uuid"

	"github.com/utafrali/textile-orderflow/internal/gateway"
)

// Provider is a mock gateway. Tokens are derived from the idempotency key, so
// repeating an initialization yields the same token. Payments succeed for the
// initialized amount unless an outcome has been scripted.
type Provider struct {
	mu       sync.Mutex
	sessions map[string]*gateway.InitRequest
	outcomes map[string]*gateway.Outcome
	initErr  error
	getErr   error
}

// NewProvider creates a new mock provider.
func NewProvider() *Provider {
	return &Provider{
		sessions: make(map[string]*gateway.InitRequest),
		outcomes: make(map[string]*gateway.Outcome),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "mock"
}

// TokenFor returns the token the provider hands out for idempotencyKey.
func TokenFor(idempotencyKey string) string {
	sum := sha256.Sum256([]byte(idempotencyKey))
	return "mock_tok_" + hex.EncodeToString(sum[:12])
}

// Initialize records the request and returns a redirect straight back to the
// callback URL, as if the buyer completed the hosted page.
func (p *Provider) Initialize(_ context.Context, req *gateway.InitRequest) (*gateway.InitResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.initErr; err != nil {
		p.initErr = nil
		return nil, err
	}

	token := TokenFor(req.IdempotencyKey)
	if _, ok := p.sessions[token]; !ok {
		cp := *req
		p.sessions[token] = &cp
	}

	redirect := req.CallbackURL
	if redirect == "" {
		redirect = "/payment/callback"
	}
	return &gateway.InitResult{
		RedirectURL:  redirect + "?" + url.Values{"token": {token}}.Encode(),
		GatewayToken: token,
	}, nil
}

// Retrieve returns the scripted outcome for token, or a successful payment of
// the initialized amount.
func (p *Provider) Retrieve(_ context.Context, token string) (*gateway.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.getErr; err != nil {
		p.getErr = nil
		return nil, err
	}

	if o, ok := p.outcomes[token]; ok {
		cp := *o
		return &cp, nil
	}

	req, ok := p.sessions[token]
	if !ok {
		return nil, &gateway.DeclinedError{Code: "not_found", Message: "unknown payment token"}
	}
	return &gateway.Outcome{
		Verified:              true,
		Status:                "success",
		Amount:                req.Amount,
		Currency:              req.Currency,
		ProviderTransactionID: "mock_pay_" + uuid.NewString(),
	}, nil
}

// SetOutcome scripts what Retrieve reports for token.
func (p *Provider) SetOutcome(token string, o gateway.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes[token] = &o
}

// FailNextInitialize makes the next Initialize call return err.
func (p *Provider) FailNextInitialize(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initErr = err
}

// FailNextRetrieve makes the next Retrieve call return err.
func (p *Provider) FailNextRetrieve(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getErr = err
}

// Initialized returns the request recorded for token.
func (p *Provider) Initialized(token string) (*gateway.InitRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.sessions[token]
	return req, ok
}
