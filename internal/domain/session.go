package domain

import (
	"slices"
	"time"
)

// SessionStatus is the lifecycle state of a checkout session.
type SessionStatus string

// Checkout session statuses.
const (
	StatusPending         SessionStatus = "pending"
	StatusAwaitingGateway SessionStatus = "awaiting_gateway"
	StatusVerified        SessionStatus = "verified"
	StatusFinalized       SessionStatus = "finalized"
	StatusFailed          SessionStatus = "failed"
	StatusExpired         SessionStatus = "expired"
)

// DefaultSessionTTL is how long a session may wait for payment.
const DefaultSessionTTL = 30 * time.Minute

var sessionTransitions = map[SessionStatus][]SessionStatus{
	StatusPending:         {StatusAwaitingGateway, StatusFailed, StatusExpired},
	StatusAwaitingGateway: {StatusVerified, StatusFinalized, StatusFailed, StatusExpired},
	StatusVerified:        {StatusFinalized, StatusFailed},
	StatusFinalized:       {},
	StatusFailed:          {},
	StatusExpired:         {},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to SessionStatus) bool {
	return slices.Contains(sessionTransitions[from], to)
}

// IsTerminal reports whether no further transition is possible.
func (s SessionStatus) IsTerminal() bool {
	return len(sessionTransitions[s]) == 0
}

// Address is a shipping address snapshot. It is copied into the session and
// the order, never referenced.
type Address struct {
	FullName    string `json:"full_name"`
	AddressLine string `json:"address_line"`
	City        string `json:"city"`
	State       string `json:"state,omitempty"`
	PostalCode  string `json:"postal_code"`
	Country     string `json:"country"`
	Phone       string `json:"phone,omitempty"`
}

// LineItem is one priced line of a checkout. Prices are snapshots taken from
// the catalog when the session was created.
type LineItem struct {
	ProductID       string `json:"product_id"`
	VariantID       string `json:"variant_id,omitempty"`
	Size            string `json:"size,omitempty"`
	Color           string `json:"color,omitempty"`
	Name            string `json:"name"`
	SKU             string `json:"sku"`
	UnitPrice       int64  `json:"unit_price"`
	Quantity        int    `json:"quantity"`
	EmbroideryURL   string `json:"embroidery_url,omitempty"`
	EmbroideryPrice int64  `json:"embroidery_price,omitempty"`
	LineTotal       int64  `json:"line_total"`
}

// Total is (unit price + embroidery price) * quantity.
func (l LineItem) Total() int64 {
	return (l.UnitPrice + l.EmbroideryPrice) * int64(l.Quantity)
}

// CheckoutSession is a pending, priced purchase awaiting payment.
type CheckoutSession struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id,omitempty"`
	Status          SessionStatus `json:"status"`
	Items           []LineItem    `json:"items"`
	SubtotalAmount  int64         `json:"subtotal_amount"`
	ShippingAmount  int64         `json:"shipping_amount"`
	TotalAmount     int64         `json:"total_amount"`
	Currency        string        `json:"currency"`
	ShippingAddress Address       `json:"shipping_address"`
	OrderID         string        `json:"order_id,omitempty"`
	FailureReason   string        `json:"-"`
	ExpiresAt       time.Time     `json:"expires_at"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// NewCheckoutSession builds a pending session and fixes its totals. Line
// totals are recomputed from the unit prices.
func NewCheckoutSession(id, userID string, items []LineItem, shipping int64, currency string, addr Address, now time.Time, ttl time.Duration) *CheckoutSession {
	now = now.UTC()
	s := &CheckoutSession{
		ID:              id,
		UserID:          userID,
		Status:          StatusPending,
		Items:           make([]LineItem, len(items)),
		ShippingAmount:  shipping,
		Currency:        currency,
		ShippingAddress: addr,
		ExpiresAt:       now.Add(ttl),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for i, item := range items {
		item.LineTotal = item.Total()
		s.Items[i] = item
		s.SubtotalAmount += item.LineTotal
	}
	s.TotalAmount = s.SubtotalAmount + s.ShippingAmount
	return s
}

// ItemCount is the total quantity across all lines.
func (s *CheckoutSession) ItemCount() int {
	n := 0
	for _, item := range s.Items {
		n += item.Quantity
	}
	return n
}

// IsExpiredAt reports whether an unpaid session has outlived its TTL. Only
// pending and awaiting_gateway sessions expire.
func (s *CheckoutSession) IsExpiredAt(now time.Time) bool {
	if s.Status == StatusExpired {
		return true
	}
	if s.Status != StatusPending && s.Status != StatusAwaitingGateway {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// OwnedBy reports whether userID may read the session. Guest sessions are
// readable by anyone holding the id.
func (s *CheckoutSession) OwnedBy(userID string) bool {
	return s.UserID == "" || s.UserID == userID
}
