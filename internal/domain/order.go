package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// OrderStatus is the fulfillment state of an order.
type OrderStatus string

// Order fulfillment statuses.
const (
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCanceled   OrderStatus = "canceled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusShipped, OrderStatusCanceled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCanceled},
	OrderStatusShipped:    {OrderStatusDelivered},
	OrderStatusDelivered:  {},
	OrderStatusCanceled:   {},
}

// Order is the durable record of a paid checkout session.
type Order struct {
	ID                    string      `json:"id"`
	SessionID             string      `json:"session_id"`
	UserID                string      `json:"user_id,omitempty"`
	Status                OrderStatus `json:"status"`
	Items                 []OrderItem `json:"items"`
	SubtotalAmount        int64       `json:"subtotal_amount"`
	ShippingAmount        int64       `json:"shipping_amount"`
	TotalAmount           int64       `json:"total_amount"`
	Currency              string      `json:"currency"`
	ShippingAddress       Address     `json:"shipping_address"`
	GatewayToken          string      `json:"-"`
	ProviderTransactionID string      `json:"provider_transaction_id,omitempty"`
	Carrier               string      `json:"carrier,omitempty"`
	TrackingNumber        string      `json:"tracking_number,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
}

// OrderItem is a line item owned by an order.
type OrderItem struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
	LineItem
}

// NewOrderFromSession copies a session into a confirmed order. Nothing is
// repriced: items, address and amounts are taken verbatim.
func NewOrderFromSession(orderID string, s *CheckoutSession, gatewayToken, providerTxID string, now time.Time) *Order {
	now = now.UTC()
	o := &Order{
		ID:                    orderID,
		SessionID:             s.ID,
		UserID:                s.UserID,
		Status:                OrderStatusConfirmed,
		Items:                 make([]OrderItem, len(s.Items)),
		SubtotalAmount:        s.SubtotalAmount,
		ShippingAmount:        s.ShippingAmount,
		TotalAmount:           s.TotalAmount,
		Currency:              s.Currency,
		ShippingAddress:       s.ShippingAddress,
		GatewayToken:          gatewayToken,
		ProviderTransactionID: providerTxID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	for i, item := range s.Items {
		o.Items[i] = OrderItem{ID: uuid.New().String(), OrderID: orderID, LineItem: item}
	}
	return o
}

// CanTransitionTo reports whether the order may move to target.
func (o *Order) CanTransitionTo(target OrderStatus) bool {
	return slices.Contains(orderTransitions[o.Status], target)
}

// VisibleTo reports whether userID may read the order. Guest orders are
// readable by id.
func (o *Order) VisibleTo(userID string) bool {
	return o.UserID == "" || o.UserID == userID
}
