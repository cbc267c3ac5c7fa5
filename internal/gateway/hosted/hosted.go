// Package hosted is the HTTP client for a hosted-checkout payment gateway.
package hosted

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/utafrali/textile-orderflow/internal/domain"
	"github.com/utafrali/textile-orderflow/internal/gateway"
	"github.com/utafrali/textile-orderflow/pkg/httpclient"
)

const (
	initializePath = "/checkout/initialize"
	retrievePath   = "/checkout/retrieve"

	opInitialize = "initialize"
	opRetrieve   = "retrieve"

	statusSuccess        = "success"
	paymentStatusSuccess = "SUCCESS"
)

// Doer sends an HTTP request. *httpclient.CircuitBreakerClient satisfies it.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Config holds gateway credentials.
type Config struct {
	BaseURL   string
	APIKey    string
	SecretKey string
}

// Provider implements gateway.Provider against the hosted-checkout API.
type Provider struct {
	client Doer
	cfg    Config
}

// NewProvider creates a hosted-checkout provider.
func NewProvider(client Doer, cfg Config) *Provider {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Provider{client: client, cfg: cfg}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "hosted"
}

type basketItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	ItemType string `json:"item_type"`
	Price    string `json:"price"`
}

type address struct {
	ContactName string `json:"contact_name"`
	Address     string `json:"address"`
	City        string `json:"city"`
	Country     string `json:"country"`
	ZipCode     string `json:"zip_code"`
}

type initializeRequest struct {
	ConversationID  string       `json:"conversation_id"`
	Price           string       `json:"price"`
	PaidPrice       string       `json:"paid_price"`
	Currency        string       `json:"currency"`
	BasketID        string       `json:"basket_id"`
	CallbackURL     string       `json:"callback_url"`
	BuyerID         string       `json:"buyer_id,omitempty"`
	ShippingAddress address      `json:"shipping_address"`
	BasketItems     []basketItem `json:"basket_items"`
}

type initializeResponse struct {
	Status         string `json:"status"`
	ErrorCode      string `json:"error_code"`
	ErrorMessage   string `json:"error_message"`
	Token          string `json:"token"`
	PaymentPageURL string `json:"payment_page_url"`
}

type retrieveRequest struct {
	Token string `json:"token"`
}

type retrieveResponse struct {
	Status        string `json:"status"`
	ErrorCode     string `json:"error_code"`
	ErrorMessage  string `json:"error_message"`
	PaymentStatus string `json:"payment_status"`
	PaymentID     string `json:"payment_id"`
	PaidPrice     string `json:"paid_price"`
	Currency      string `json:"currency"`
}

// Initialize opens a hosted payment page. Basket prices are the line totals
// and the sum of basket items plus shipping equals the paid price.
func (p *Provider) Initialize(ctx context.Context, req *gateway.InitRequest) (*gateway.InitResult, error) {
	body := initializeRequest{
		ConversationID: req.SessionID,
		Price:          domain.FormatMajor(req.Amount, req.Currency),
		PaidPrice:      domain.FormatMajor(req.Amount, req.Currency),
		Currency:       req.Currency,
		BasketID:       req.SessionID,
		CallbackURL:    req.CallbackURL,
		BuyerID:        req.UserID,
		ShippingAddress: address{
			ContactName: req.ShippingAddress.FullName,
			Address:     req.ShippingAddress.AddressLine,
			City:        req.ShippingAddress.City,
			Country:     req.ShippingAddress.Country,
			ZipCode:     req.ShippingAddress.PostalCode,
		},
		BasketItems: make([]basketItem, 0, len(req.Items)+1),
	}

	var itemsTotal int64
	for i, it := range req.Items {
		body.BasketItems = append(body.BasketItems, basketItem{
			ID:       fmt.Sprintf("%s-%d", it.ProductID, i),
			Name:     it.Name,
			Category: "textile",
			ItemType: "PHYSICAL",
			Price:    domain.FormatMajor(it.LineTotal, req.Currency),
		})
		itemsTotal += it.LineTotal
	}
	if shipping := req.Amount - itemsTotal; shipping > 0 {
		body.BasketItems = append(body.BasketItems, basketItem{
			ID:       "shipping",
			Name:     "Shipping",
			Category: "shipping",
			ItemType: "VIRTUAL",
			Price:    domain.FormatMajor(shipping, req.Currency),
		})
	}

	var resp initializeResponse
	if err := p.post(ctx, opInitialize, initializePath, req.IdempotencyKey, body, &resp); err != nil {
		return nil, err
	}
	if resp.Status != statusSuccess {
		return nil, &gateway.DeclinedError{Code: resp.ErrorCode, Message: resp.ErrorMessage}
	}
	return &gateway.InitResult{RedirectURL: resp.PaymentPageURL, GatewayToken: resp.Token}, nil
}

// Retrieve asks the gateway for the payment behind token. Only an explicit
// payment_status decides the payment; a failed lookup is a TransportError.
func (p *Provider) Retrieve(ctx context.Context, token string) (*gateway.Outcome, error) {
	var resp retrieveResponse
	if err := p.post(ctx, opRetrieve, retrievePath, "retrieve-"+token, retrieveRequest{Token: token}, &resp); err != nil {
		return nil, err
	}
	if resp.Status != statusSuccess {
		return nil, &gateway.TransportError{
			Op:  opRetrieve,
			Err: fmt.Errorf("lookup failed (%s): %s", resp.ErrorCode, resp.ErrorMessage),
		}
	}

	out := &gateway.Outcome{
		Verified:              resp.PaymentStatus == paymentStatusSuccess,
		Status:                strings.ToLower(resp.PaymentStatus),
		Currency:              strings.ToUpper(resp.Currency),
		ProviderTransactionID: resp.PaymentID,
		FailureReason:         resp.ErrorMessage,
	}
	if resp.PaidPrice != "" {
		amount, err := domain.ParseMajor(resp.PaidPrice, out.Currency)
		if err != nil {
			return nil, &gateway.TransportError{Op: opRetrieve, Err: fmt.Errorf("decode paid price: %w", err)}
		}
		out.Amount = amount
	}
	return out, nil
}

func (p *Provider) post(ctx context.Context, op, path, idempotencyKey string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	nonce := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	req.Header.Set("X-Nonce", nonce)
	req.Header.Set("Authorization", "HMAC "+p.cfg.APIKey+":"+Sign(p.cfg.SecretKey, nonce, path, payload))

	resp, err := p.client.Do(ctx, req)
	if err != nil {
		// Open circuit, 5xx after retries and network failures.
		return &gateway.TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &gateway.TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode, raw)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &gateway.TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// statusError classifies a non-2xx answer. Only an initialize request the
// gateway rejected on its merits is a decline. Throttling, timeouts and
// credential problems are retryable, and so is every failed retrieve: the
// lookup failing says nothing about the payment.
func statusError(op string, status int, body []byte) error {
	var e struct {
		ErrorCode    string `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	}
	_ = json.Unmarshal(body, &e)
	if e.ErrorCode == "" {
		e.ErrorCode = fmt.Sprintf("http_%d", status)
	}

	switch status {
	case http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusUnauthorized, http.StatusForbidden:
	default:
		if op == opInitialize && httpclient.IsClientError(status) {
			return &gateway.DeclinedError{Code: e.ErrorCode, Message: e.ErrorMessage}
		}
	}
	return &gateway.TransportError{Op: op, Err: fmt.Errorf("gateway answered %d (%s)", status, e.ErrorCode)}
}

// Sign computes the request signature: hex HMAC-SHA256 over nonce, path and
// body, keyed by the secret.
func Sign(secret, nonce, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(nonce))
	mac.Write([]byte(path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
