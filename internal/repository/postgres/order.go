package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/textile-orderflow/internal/domain"
	"github.com/utafrali/textile-orderflow/internal/repository"
	"github.com/utafrali/textile-orderflow/pkg/database"
	apperrors "github.com/utafrali/textile-orderflow/pkg/errors"
)

// finalizeMaxRetries bounds re-runs of the finalize transaction on
// serialization failures and deadlocks.
const finalizeMaxRetries = 3

const sessionUniqueConstraint = "orders_session_id_key"

// errLostRace rolls back a finalize transaction whose session CAS matched
// nothing.
var errLostRace = errors.New("session already finalized")

const orderColumns = `o.id, o.session_id, o.user_id, o.status, o.subtotal_amount, o.shipping_amount,
	o.total_amount, o.currency, o.shipping_address, o.gateway_token, o.provider_transaction_id,
	o.carrier, o.tracking_number, o.created_at, o.updated_at`

// itemsAggregate loads an order's items in the same query as the order.
const itemsAggregate = `
	COALESCE((
		SELECT JSONB_AGG(JSONB_BUILD_OBJECT(
			'id', oi.id,
			'order_id', oi.order_id,
			'product_id', oi.product_id,
			'variant_id', COALESCE(oi.variant_id, ''),
			'size', COALESCE(oi.size, ''),
			'color', COALESCE(oi.color, ''),
			'name', oi.name,
			'sku', oi.sku,
			'unit_price', oi.unit_price,
			'quantity', oi.quantity,
			'embroidery_url', COALESCE(oi.embroidery_url, ''),
			'embroidery_price', oi.embroidery_price,
			'line_total', oi.line_total
		) ORDER BY oi.position)
		FROM order_items oi WHERE oi.order_id = o.id
	), '[]'::jsonb) AS items`

// OrderRepository implements repository.OrderRepository using PostgreSQL.
type OrderRepository struct {
	db database.DBTX
}

// NewOrderRepository creates a new PostgreSQL-backed order repository.
func NewOrderRepository(db database.DBTX) *OrderRepository {
	return &OrderRepository{db: db}
}

// FinalizeSession is the exactly-once step of checkout. Within one
// transaction it flips the session to finalized, conditioned on its status
// still being awaiting_gateway or verified, and inserts the order only if
// that update matched. A concurrent finalizer blocks on the session row and
// then matches nothing, so at most one order exists per session; the unique
// constraint on orders.session_id backs this up.
func (r *OrderRepository) FinalizeSession(ctx context.Context, o *domain.Order) (created bool, err error) {
	const casSession = `
		UPDATE checkout_sessions
		SET status = 'finalized', order_id = $2, updated_at = $3
		WHERE id = $1 AND status IN ('awaiting_gateway', 'verified')`
	const insertOrder = `
		INSERT INTO orders (
			id, session_id, user_id, status, subtotal_amount, shipping_amount, total_amount,
			currency, shipping_address, gateway_token, provider_transaction_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	const insertItem = `
		INSERT INTO order_items (
			id, order_id, position, product_id, variant_id, size, color, name, sku,
			unit_price, quantity, embroidery_url, embroidery_price, line_total
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	ctx, end := database.TraceQuery(ctx, "FinalizeSession", casSession)
	defer func() { end(err) }()

	addrJSON, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return false, fmt.Errorf("marshal shipping address: %w", err)
	}

	err = database.WithRetry(ctx, r.db, finalizeMaxRetries, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, casSession, o.SessionID, o.ID, o.CreatedAt)
		if err != nil {
			return fmt.Errorf("finalize session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errLostRace
		}

		if _, err := tx.Exec(ctx, insertOrder,
			o.ID,
			o.SessionID,
			nullableString(o.UserID),
			string(o.Status),
			o.SubtotalAmount,
			o.ShippingAmount,
			o.TotalAmount,
			o.Currency,
			addrJSON,
			o.GatewayToken,
			nullableString(o.ProviderTransactionID),
			o.CreatedAt,
			o.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for i, item := range o.Items {
			if _, err := tx.Exec(ctx, insertItem,
				item.ID,
				o.ID,
				i,
				item.ProductID,
				nullableString(item.VariantID),
				nullableString(item.Size),
				nullableString(item.Color),
				item.Name,
				item.SKU,
				item.UnitPrice,
				item.Quantity,
				nullableString(item.EmbroideryURL),
				item.EmbroideryPrice,
				item.LineTotal,
			); err != nil {
				return fmt.Errorf("insert order item %d: %w", i, err)
			}
		}
		return nil
	})

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errLostRace), database.IsUniqueViolation(err, sessionUniqueConstraint):
		return false, nil
	default:
		return false, err
	}
}

// GetByID retrieves an order with its items.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (o *domain.Order, err error) {
	query := `SELECT ` + orderColumns + `, ` + itemsAggregate + ` FROM orders o WHERE o.id = $1`

	ctx, end := database.TraceQuery(ctx, "GetOrder", query)
	defer func() { end(err) }()

	o, err = scanOrder(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("order", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// GetBySessionID retrieves the order a session finalized into.
func (r *OrderRepository) GetBySessionID(ctx context.Context, sessionID string) (o *domain.Order, err error) {
	query := `SELECT ` + orderColumns + `, ` + itemsAggregate + ` FROM orders o WHERE o.session_id = $1`

	ctx, end := database.TraceQuery(ctx, "GetOrderBySession", query)
	defer func() { end(err) }()

	o, err = scanOrder(r.db.QueryRow(ctx, query, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("order for session", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get order by session: %w", err)
	}
	return o, nil
}

// List returns a page of a user's orders, newest first, with the total count.
func (r *OrderRepository) List(ctx context.Context, f repository.OrderFilter) (orders []domain.Order, total int, err error) {
	query := `SELECT ` + orderColumns + `, ` + itemsAggregate + `, count(*) OVER() AS total_count
		FROM orders o
		WHERE o.user_id = $1
		ORDER BY o.created_at DESC
		LIMIT $2 OFFSET $3`

	ctx, end := database.TraceQuery(ctx, "ListOrders", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, f.UserID, f.Limit, f.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders = make([]domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows, &total)
		if err != nil {
			return nil, 0, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate order rows: %w", err)
	}
	return orders, total, nil
}

// UpdateShipping sets the carrier, tracking number and status of an order
// whose status is still from. A changed status is reported as an
// InvalidStateTransitionError.
func (r *OrderRepository) UpdateShipping(ctx context.Context, id string, from, to domain.OrderStatus, carrier, trackingNumber string) (err error) {
	const query = `
		UPDATE orders
		SET carrier = $3, tracking_number = $4, status = $5, updated_at = $6
		WHERE id = $1 AND status = $2`

	ctx, end := database.TraceQuery(ctx, "UpdateOrderShipping", query)
	defer func() { end(err) }()

	tag, err := r.db.Exec(ctx, query, id, string(from), carrier, trackingNumber, string(to), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update order shipping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.shippingConflict(ctx, id, to)
	}
	return nil
}

func (r *OrderRepository) shippingConflict(ctx context.Context, id string, to domain.OrderStatus) error {
	var current string
	err := r.db.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("order", id)
	}
	if err != nil {
		return fmt.Errorf("read order status: %w", err)
	}
	return &domain.InvalidStateTransitionError{ID: id, From: current, To: string(to)}
}

func scanOrder(row pgx.Row, extra ...any) (*domain.Order, error) {
	var (
		o            domain.Order
		status       string
		userID       *string
		providerTxID *string
		carrier      *string
		tracking     *string
		addrJSON     []byte
		itemsJSON    []byte
	)

	dest := []any{
		&o.ID,
		&o.SessionID,
		&userID,
		&status,
		&o.SubtotalAmount,
		&o.ShippingAmount,
		&o.TotalAmount,
		&o.Currency,
		&addrJSON,
		&o.GatewayToken,
		&providerTxID,
		&carrier,
		&tracking,
		&o.CreatedAt,
		&o.UpdatedAt,
		&itemsJSON,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	o.Status = domain.OrderStatus(status)
	o.UserID = derefString(userID)
	o.ProviderTransactionID = derefString(providerTxID)
	o.Carrier = derefString(carrier)
	o.TrackingNumber = derefString(tracking)

	if err := json.Unmarshal(addrJSON, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("unmarshal shipping address: %w", err)
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshal order items: %w", err)
	}
	if o.Items == nil {
		o.Items = []domain.OrderItem{}
	}
	return &o, nil
}
