package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/textile-orderflow/internal/domain"
	"github.com/utafrali/textile-orderflow/pkg/database"
)

const sessionColumns = `id, user_id, status, items, subtotal_amount, shipping_amount, total_amount,
	currency, shipping_address, order_id, failure_reason, expires_at, created_at, updated_at`

// SessionRepository implements repository.SessionRepository using PostgreSQL.
type SessionRepository struct {
	db database.DBTX
}

// NewSessionRepository creates a new PostgreSQL-backed session repository.
func NewSessionRepository(db database.DBTX) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new checkout session.
func (r *SessionRepository) Create(ctx context.Context, s *domain.CheckoutSession) (err error) {
	const query = `
		INSERT INTO checkout_sessions (
			id, user_id, status, items, subtotal_amount, shipping_amount, total_amount,
			currency, shipping_address, expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	ctx, end := database.TraceQuery(ctx, "CreateSession", query)
	defer func() { end(err) }()

	itemsJSON, err := json.Marshal(s.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	addrJSON, err := json.Marshal(s.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshal shipping address: %w", err)
	}

	_, err = r.db.Exec(ctx, query,
		s.ID,
		nullableString(s.UserID),
		string(s.Status),
		itemsJSON,
		s.SubtotalAmount,
		s.ShippingAmount,
		s.TotalAmount,
		s.Currency,
		addrJSON,
		s.ExpiresAt,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert checkout session: %w", err)
	}
	return nil
}

// GetByID retrieves a checkout session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (s *domain.CheckoutSession, err error) {
	query := `SELECT ` + sessionColumns + ` FROM checkout_sessions WHERE id = $1`

	ctx, end := database.TraceQuery(ctx, "GetSession", query)
	defer func() { end(err) }()

	s, err = scanSession(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.SessionNotFoundError{SessionID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get checkout session: %w", err)
	}
	return s, nil
}

// MarkAwaitingGateway records the gateway correlation and moves the session
// from pending to awaiting_gateway.
func (r *SessionRepository) MarkAwaitingGateway(ctx context.Context, c *domain.GatewayCorrelation) (err error) {
	const update = `
		UPDATE checkout_sessions
		SET status = 'awaiting_gateway', updated_at = $2
		WHERE id = $1 AND status = 'pending'`
	const insert = `
		INSERT INTO gateway_correlations (session_id, gateway_token, provider, idempotency_key, redirect_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	ctx, end := database.TraceQuery(ctx, "MarkAwaitingGateway", update)
	defer func() { end(err) }()

	return database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, update, c.SessionID, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return transitionError(ctx, tx, c.SessionID, domain.StatusAwaitingGateway)
		}

		if _, err := tx.Exec(ctx, insert,
			c.SessionID, c.GatewayToken, c.Provider, c.IdempotencyKey, c.RedirectURL, c.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert gateway correlation: %w", err)
		}
		return nil
	})
}

// transitionError explains why a conditional update matched no row.
func transitionError(ctx context.Context, db database.DBTX, id string, to domain.SessionStatus) error {
	var current string
	err := db.QueryRow(ctx, `SELECT status FROM checkout_sessions WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return &domain.SessionNotFoundError{SessionID: id}
	}
	if err != nil {
		return fmt.Errorf("read session status: %w", err)
	}
	return &domain.InvalidStateTransitionError{ID: id, From: current, To: string(to)}
}

// TransitionStatus moves the session to `to` when its current status is one
// of `from`.
func (r *SessionRepository) TransitionStatus(ctx context.Context, id string, from []domain.SessionStatus, to domain.SessionStatus, reason string) (ok bool, err error) {
	const query = `
		UPDATE checkout_sessions
		SET status = $2, failure_reason = COALESCE($3, failure_reason), updated_at = $4
		WHERE id = $1 AND status = ANY($5)`

	ctx, end := database.TraceQuery(ctx, "TransitionSessionStatus", query)
	defer func() { end(err) }()

	tag, err := r.db.Exec(ctx, query, id, string(to), nullableString(reason), time.Now().UTC(), statusStrings(from))
	if err != nil {
		return false, fmt.Errorf("transition session %s to %s: %w", id, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkVerified moves awaiting_gateway to verified unless the TTL has passed.
func (r *SessionRepository) MarkVerified(ctx context.Context, id string, now time.Time) (ok bool, err error) {
	const query = `
		UPDATE checkout_sessions
		SET status = 'verified', updated_at = $2
		WHERE id = $1 AND status = 'awaiting_gateway' AND expires_at > $2`

	ctx, end := database.TraceQuery(ctx, "MarkSessionVerified", query)
	defer func() { end(err) }()

	tag, err := r.db.Exec(ctx, query, id, now.UTC())
	if err != nil {
		return false, fmt.Errorf("mark session verified: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireStale expires unpaid sessions past their TTL in a single statement,
// so concurrent sweepers never expire a session twice and never touch one a
// finalizer has already moved on.
func (r *SessionRepository) ExpireStale(ctx context.Context, now time.Time) (ids []string, err error) {
	const query = `
		UPDATE checkout_sessions
		SET status = 'expired', updated_at = $1
		WHERE expires_at < $1 AND status IN ('pending', 'awaiting_gateway')
		RETURNING id`

	ctx, end := database.TraceQuery(ctx, "ExpireStaleSessions", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("expire stale sessions: %w", err)
	}
	ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect expired session ids: %w", err)
	}
	return ids, nil
}

func scanSession(row pgx.Row) (*domain.CheckoutSession, error) {
	var (
		s             domain.CheckoutSession
		status        string
		userID        *string
		orderID       *string
		failureReason *string
		itemsJSON     []byte
		addrJSON      []byte
	)

	if err := row.Scan(
		&s.ID,
		&userID,
		&status,
		&itemsJSON,
		&s.SubtotalAmount,
		&s.ShippingAmount,
		&s.TotalAmount,
		&s.Currency,
		&addrJSON,
		&orderID,
		&failureReason,
		&s.ExpiresAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}

	s.Status = domain.SessionStatus(status)
	s.UserID = derefString(userID)
	s.OrderID = derefString(orderID)
	s.FailureReason = derefString(failureReason)

	if err := json.Unmarshal(itemsJSON, &s.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	if s.Items == nil {
		s.Items = []domain.LineItem{}
	}
	if err := json.Unmarshal(addrJSON, &s.ShippingAddress); err != nil {
		return nil, fmt.Errorf("unmarshal shipping address: %w", err)
	}
	return &s, nil
}

func statusStrings(statuses []domain.SessionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// nullableString returns nil if the string is empty, otherwise a pointer to the string.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
