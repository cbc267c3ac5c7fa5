package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/utafrali/textile-orderflow/internal/domain"
	pkgkafka "github.com/utafrali/textile-orderflow/pkg/kafka"
	"github.com/utafrali/textile-orderflow/pkg/logger"
)

// Kafka topics for checkout and order events.
var (
	TopicSessionCreated = pkgkafka.Topic("checkout", "session_created")
	TopicSessionExpired = pkgkafka.Topic("checkout", "session_expired")
	TopicOrderCreated   = pkgkafka.Topic("order", "created")
)

// Aggregate types.
const (
	AggregateTypeSession = "checkout_session"
	AggregateTypeOrder   = "order"
)

// SourceOrderflow identifies events published by this service.
const SourceOrderflow = "orderflow-service"

// SessionCreatedData is the payload for a checkout.session_created event.
type SessionCreatedData struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id,omitempty"`
	Items          []domain.LineItem `json:"items"`
	SubtotalAmount int64             `json:"subtotal_amount"`
	ShippingAmount int64             `json:"shipping_amount"`
	TotalAmount    int64             `json:"total_amount"`
	Currency       string            `json:"currency"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// SessionExpiredData is the payload for a checkout.session_expired event.
type SessionExpiredData struct {
	ID        string    `json:"id"`
	ExpiredAt time.Time `json:"expired_at"`
}

// OrderCreatedData is the payload for an order.created event.
type OrderCreatedData struct {
	ID                    string `json:"id"`
	SessionID             string `json:"session_id"`
	UserID                string `json:"user_id,omitempty"`
	ItemCount             int    `json:"item_count"`
	TotalAmount           int64  `json:"total_amount"`
	Currency              string `json:"currency"`
	ProviderTransactionID string `json:"provider_transaction_id,omitempty"`
}

// Producer publishes checkout and order events.
type Producer struct {
	publisher pkgkafka.Publisher
	logger    *slog.Logger
}

// NewProducer creates a new event producer.
func NewProducer(publisher pkgkafka.Publisher, logger *slog.Logger) *Producer {
	return &Producer{
		publisher: publisher,
		logger:    logger,
	}
}

// PublishSessionCreated publishes a checkout.session_created event.
func (p *Producer) PublishSessionCreated(ctx context.Context, s *domain.CheckoutSession) error {
	data := SessionCreatedData{
		ID:             s.ID,
		UserID:         s.UserID,
		Items:          s.Items,
		SubtotalAmount: s.SubtotalAmount,
		ShippingAmount: s.ShippingAmount,
		TotalAmount:    s.TotalAmount,
		Currency:       s.Currency,
		ExpiresAt:      s.ExpiresAt,
	}
	return p.publish(ctx, TopicSessionCreated, s.ID, AggregateTypeSession, data)
}

// PublishSessionExpired publishes a checkout.session_expired event.
func (p *Producer) PublishSessionExpired(ctx context.Context, sessionID string, at time.Time) error {
	return p.publish(ctx, TopicSessionExpired, sessionID, AggregateTypeSession, SessionExpiredData{ID: sessionID, ExpiredAt: at})
}

// PublishOrderCreated publishes an order.created event.
func (p *Producer) PublishOrderCreated(ctx context.Context, o *domain.Order) error {
	data := OrderCreatedData{
		ID:                    o.ID,
		SessionID:             o.SessionID,
		UserID:                o.UserID,
		ItemCount:             len(o.Items),
		TotalAmount:           o.TotalAmount,
		Currency:              o.Currency,
		ProviderTransactionID: o.ProviderTransactionID,
	}
	return p.publish(ctx, TopicOrderCreated, o.ID, AggregateTypeOrder, data)
}

func (p *Producer) publish(ctx context.Context, topic, aggregateID, aggregateType string, data any) error {
	evt, err := pkgkafka.NewEvent(topic, aggregateID, aggregateType, SourceOrderflow, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		evt.WithCorrelationID(id)
	}
	if uid := logger.UserIDFromContext(ctx); uid != "" {
		evt.WithMetadata("user_id", uid)
	}

	if err := p.publisher.Publish(ctx, topic, evt); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}

	p.logger.DebugContext(ctx, "published event",
		slog.String("topic", topic),
		slog.String("aggregate_id", aggregateID),
	)
	return nil
}
