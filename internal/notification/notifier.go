// Package notification tells buyers about fulfillment progress.
package notification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/utafrali/textile-orderflow/internal/domain"
	pkgkafka "github.com/utafrali/textile-orderflow/pkg/kafka"
)

// TopicShippingUpdate is consumed by the notification service, which owns the
// actual e-mail and SMS delivery.
var TopicShippingUpdate = pkgkafka.Topic("notification", "shipping_update")

// Notifier sends fulfillment notifications.
type Notifier interface {
	NotifyShippingUpdate(ctx context.Context, order *domain.Order, carrier, trackingNumber string) error
}

// ShippingUpdateData is the payload of a shipping_update event.
type ShippingUpdateData struct {
	OrderID        string `json:"order_id"`
	UserID         string `json:"user_id,omitempty"`
	RecipientName  string `json:"recipient_name"`
	Phone          string `json:"phone,omitempty"`
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
	Status         string `json:"status"`
}

// KafkaNotifier publishes notifications as Kafka events.
type KafkaNotifier struct {
	publisher pkgkafka.Publisher
	logger    *slog.Logger
}

// NewKafkaNotifier creates a Kafka-backed notifier.
func NewKafkaNotifier(publisher pkgkafka.Publisher, logger *slog.Logger) *KafkaNotifier {
	return &KafkaNotifier{publisher: publisher, logger: logger}
}

// NotifyShippingUpdate publishes a shipping_update event for order.
func (n *KafkaNotifier) NotifyShippingUpdate(ctx context.Context, order *domain.Order, carrier, trackingNumber string) error {
	data := ShippingUpdateData{
		OrderID:        order.ID,
		UserID:         order.UserID,
		RecipientName:  order.ShippingAddress.FullName,
		Phone:          order.ShippingAddress.Phone,
		Carrier:        carrier,
		TrackingNumber: trackingNumber,
		Status:         string(order.Status),
	}

	evt, err := pkgkafka.NewEvent(TopicShippingUpdate, order.ID, "order", "orderflow-service", data)
	if err != nil {
		return fmt.Errorf("create shipping update event: %w", err)
	}
	if err := n.publisher.Publish(ctx, TopicShippingUpdate, evt); err != nil {
		return fmt.Errorf("publish shipping update event: %w", err)
	}

	n.logger.InfoContext(ctx, "shipping update notification sent",
		slog.String("order_id", order.ID),
		slog.String("carrier", carrier),
	)
	return nil
}
