package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/textile-orderflow/internal/domain"
	"github.com/utafrali/textile-orderflow/pkg/database"
	apperrors "github.com/utafrali/textile-orderflow/pkg/errors"
)

const correlationColumns = `session_id, gateway_token, provider, idempotency_key, redirect_url, created_at`

// CorrelationRepository implements repository.CorrelationRepository.
type CorrelationRepository struct {
	db database.DBTX
}

// NewCorrelationRepository creates a new PostgreSQL-backed correlation repository.
func NewCorrelationRepository(db database.DBTX) *CorrelationRepository {
	return &CorrelationRepository{db: db}
}

// GetByToken resolves a gateway token. An unknown token yields
// *domain.UnknownCorrelationError.
func (r *CorrelationRepository) GetByToken(ctx context.Context, token string) (c *domain.GatewayCorrelation, err error) {
	query := `SELECT ` + correlationColumns + ` FROM gateway_correlations WHERE gateway_token = $1`

	ctx, end := database.TraceQuery(ctx, "GetCorrelationByToken", query)
	defer func() { end(err) }()

	c, err = scanCorrelation(r.db.QueryRow(ctx, query, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.UnknownCorrelationError{GatewayToken: token}
	}
	if err != nil {
		return nil, fmt.Errorf("get correlation by token: %w", err)
	}
	return c, nil
}

// GetBySessionID returns the correlation recorded for a session.
func (r *CorrelationRepository) GetBySessionID(ctx context.Context, sessionID string) (c *domain.GatewayCorrelation, err error) {
	query := `SELECT ` + correlationColumns + ` FROM gateway_correlations WHERE session_id = $1`

	ctx, end := database.TraceQuery(ctx, "GetCorrelationBySession", query)
	defer func() { end(err) }()

	c, err = scanCorrelation(r.db.QueryRow(ctx, query, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get correlation by session: %w", err)
	}
	return c, nil
}

func scanCorrelation(row pgx.Row) (*domain.GatewayCorrelation, error) {
	var c domain.GatewayCorrelation
	if err := row.Scan(&c.SessionID, &c.GatewayToken, &c.Provider, &c.IdempotencyKey, &c.RedirectURL, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}
