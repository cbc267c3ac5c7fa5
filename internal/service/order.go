package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/utafrali/textile-orderflow/internal/domain"
	"github.com/utafrali/textile-orderflow/internal/notification"
	"github.com/utafrali/textile-orderflow/internal/repository"
	apperrors "github.com/utafrali/textile-orderflow/pkg/errors"
	"github.com/utafrali/textile-orderflow/pkg/logger"
	"github.com/utafrali/textile-orderflow/pkg/pagination"
)

// UpdateShippingInput carries fulfillment details set by an operator.
type UpdateShippingInput struct {
	Carrier        string `json:"carrier" validate:"required,max=100"`
	TrackingNumber string `json:"tracking_number" validate:"required,max=100"`
}

// OrderService implements the read and fulfillment side of orders.
type OrderService struct {
	orders   repository.OrderRepository
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewOrderService creates a new order service.
func NewOrderService(orders repository.OrderRepository, notifier notification.Notifier, logger *slog.Logger) *OrderService {
	return &OrderService{orders: orders, notifier: notifier, logger: logger}
}

// GetOrder returns an order its caller may see. Guest orders are readable by
// id; another user's order is reported as not found.
func (s *OrderService) GetOrder(ctx context.Context, id, userID string) (*domain.Order, error) {
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !order.VisibleTo(userID) {
		return nil, apperrors.NotFound("order", id)
	}
	return order, nil
}

// ListOrders returns a page of the user's orders, newest first.
func (s *OrderService) ListOrders(ctx context.Context, userID string, params pagination.Params) (pagination.Result[domain.Order], error) {
	if userID == "" {
		return pagination.Result[domain.Order]{}, apperrors.Unauthorized("sign in to list orders")
	}

	orders, total, err := s.orders.List(ctx, repository.OrderFilter{
		UserID: userID,
		Limit:  params.Limit(),
		Offset: params.Offset(),
	})
	if err != nil {
		return pagination.Result[domain.Order]{}, fmt.Errorf("list orders: %w", err)
	}
	return pagination.NewResult(orders, total, params), nil
}

// UpdateShipping sets the carrier and tracking number, marks the order
// shipped and notifies the buyer. A failed notification is logged and does
// not undo the update.
func (s *OrderService) UpdateShipping(ctx context.Context, id string, input *UpdateShippingInput) (*domain.Order, error) {
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	status := order.Status
	if status != domain.OrderStatusShipped {
		if !order.CanTransitionTo(domain.OrderStatusShipped) {
			return nil, &domain.InvalidStateTransitionError{
				ID:   order.ID,
				From: string(order.Status),
				To:   string(domain.OrderStatusShipped),
			}
		}
		status = domain.OrderStatusShipped
	}

	if err := s.orders.UpdateShipping(ctx, order.ID, order.Status, status, input.Carrier, input.TrackingNumber); err != nil {
		return nil, fmt.Errorf("update shipping: %w", err)
	}
	order.Carrier = input.Carrier
	order.TrackingNumber = input.TrackingNumber
	order.Status = status

	log := logger.WithContext(ctx, s.logger)
	log.InfoContext(ctx, "order shipping updated",
		slog.String("order_id", order.ID),
		slog.String("carrier", input.Carrier),
	)

	if err := s.notifier.NotifyShippingUpdate(ctx, order, input.Carrier, input.TrackingNumber); err != nil {
		log.ErrorContext(ctx, "failed to send shipping notification",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}
	return order, nil
}
