// Package consumer relays payment callbacks delivered over Kafka to the
// order finalizer.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/utafrali/textile-orderflow/internal/domain"
	"github.com/utafrali/textile-orderflow/internal/service"
	pkgkafka "github.com/utafrali/textile-orderflow/pkg/kafka"
)

// TopicCallbackReceived carries gateway callbacks captured by the edge.
var TopicCallbackReceived = pkgkafka.Topic("payment", "callback_received")

// Finalizer is implemented by *service.Finalizer.
type Finalizer interface {
	Finalize(ctx context.Context, cb service.Callback) (*domain.Order, error)
}

// CallbackData is the payload of a payment.callback_received event.
type CallbackData struct {
	GatewayToken string `json:"gateway_token"`
	Status       string `json:"status"`
}

// CallbackRelay finalizes orders from relayed gateway callbacks.
type CallbackRelay struct {
	finalizer Finalizer
	logger    *slog.Logger
}

// NewCallbackRelay creates a new relay.
func NewCallbackRelay(finalizer Finalizer, logger *slog.Logger) *CallbackRelay {
	return &CallbackRelay{finalizer: finalizer, logger: logger}
}

// Handle processes one callback event. Business rejections are logged and
// acknowledged; only failures worth retrying are returned.
func (r *CallbackRelay) Handle(ctx context.Context, evt *pkgkafka.Event) error {
	var data CallbackData
	if err := evt.UnmarshalData(&data); err != nil {
		return fmt.Errorf("unmarshal payment.callback_received data: %w", err)
	}
	if data.GatewayToken == "" {
		r.logger.WarnContext(ctx, "dropping callback without gateway token", slog.String("event_id", evt.EventID))
		return nil
	}

	order, err := r.finalizer.Finalize(ctx, service.Callback{GatewayToken: data.GatewayToken, ClaimedStatus: data.Status})
	if err == nil {
		r.logger.InfoContext(ctx, "callback finalized order",
			slog.String("event_id", evt.EventID),
			slog.String("order_id", order.ID),
		)
		return nil
	}

	if isTerminal(err) {
		r.logger.WarnContext(ctx, "callback rejected",
			slog.String("event_id", evt.EventID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return fmt.Errorf("finalize callback: %w", err)
}

func isTerminal(err error) bool {
	var (
		unknown  *domain.UnknownCorrelationError
		expired  *domain.SessionExpiredError
		verify   *domain.PaymentVerificationError
		notFound *domain.SessionNotFoundError
		state    *domain.InvalidStateTransitionError
	)
	return errors.As(err, &unknown) ||
		errors.As(err, &expired) ||
		errors.As(err, &verify) ||
		errors.As(err, &notFound) ||
		errors.As(err, &state)
}
