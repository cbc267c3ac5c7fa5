package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/utafrali/textile-orderflow/internal/catalog"
	"github.com/utafrali/textile-orderflow/internal/domain"
	"github.com/utafrali/textile-orderflow/internal/gateway"
	"github.com/utafrali/textile-orderflow/internal/repository"
	"github.com/utafrali/textile-orderflow/internal/shipping"
	apperrors "github.com/utafrali/textile-orderflow/pkg/errors"
	"github.com/utafrali/textile-orderflow/pkg/logger"
)

// EventPublisher publishes checkout and order events. *event.Producer
// implements it.
type EventPublisher interface {
	PublishSessionCreated(ctx context.Context, s *domain.CheckoutSession) error
	PublishSessionExpired(ctx context.Context, sessionID string, at time.Time) error
	PublishOrderCreated(ctx context.Context, o *domain.Order) error
}

// Gateway is the payment gateway as the checkout flow sees it.
// *gateway.Adapter implements it.
type Gateway interface {
	Provider() string
	InitializeGatewaySession(ctx context.Context, s *domain.CheckoutSession) (*gateway.InitResult, error)
	VerifyPaymentOutcome(ctx context.Context, gatewayToken string) (*gateway.Outcome, error)
}

// ShippingQuoter prices delivery. *shipping.Table implements it.
type ShippingQuoter interface {
	Quote(country, currency string, subtotal int64, itemCount int) (int64, error)
}

// CreateSessionInput is a cart submitted for checkout. It carries no prices:
// every amount is taken from the catalog.
type CreateSessionInput struct {
	Items           []CartItemInput `json:"items" validate:"required,min=1,max=100,dive"`
	ShippingAddress AddressInput    `json:"shipping_address" validate:"required"`
	Currency        string          `json:"currency" validate:"required,len=3,alpha"`
}

// CartItemInput is one cart line.
type CartItemInput struct {
	ProductID     string `json:"product_id" validate:"required,max=64"`
	VariantID     string `json:"variant_id,omitempty" validate:"omitempty,max=64"`
	Quantity      int    `json:"quantity" validate:"required,gt=0,lte=1000"`
	EmbroideryURL string `json:"embroidery_url,omitempty" validate:"omitempty,url,max=2048"`
}

// AddressInput is the shipping address of a cart.
type AddressInput struct {
	FullName    string `json:"full_name" validate:"required,max=200"`
	AddressLine string `json:"address_line" validate:"required,max=500"`
	City        string `json:"city" validate:"required,max=100"`
	State       string `json:"state,omitempty" validate:"omitempty,max=100"`
	PostalCode  string `json:"postal_code" validate:"required,max=20"`
	Country     string `json:"country" validate:"required,len=2,alpha"`
	Phone       string `json:"phone,omitempty" validate:"omitempty,e164"`
}

func (a AddressInput) toDomain() domain.Address {
	return domain.Address{
		FullName:    a.FullName,
		AddressLine: a.AddressLine,
		City:        a.City,
		State:       a.State,
		PostalCode:  a.PostalCode,
		Country:     strings.ToUpper(a.Country),
		Phone:       a.Phone,
	}
}

// SessionService creates checkout sessions and hands them to the gateway.
type SessionService struct {
	sessions     repository.SessionRepository
	correlations repository.CorrelationRepository
	catalog      catalog.Catalog
	shipping     ShippingQuoter
	gateway      Gateway
	events       EventPublisher
	logger       *slog.Logger
	ttl          time.Duration
	now          func() time.Time
}

// NewSessionService creates a new session service. A non-positive ttl falls
// back to domain.DefaultSessionTTL.
func NewSessionService(
	sessions repository.SessionRepository,
	correlations repository.CorrelationRepository,
	cat catalog.Catalog,
	quoter ShippingQuoter,
	gw Gateway,
	events EventPublisher,
	logger *slog.Logger,
	ttl time.Duration,
) *SessionService {
	if ttl <= 0 {
		ttl = domain.DefaultSessionTTL
	}
	return &SessionService{
		sessions:     sessions,
		correlations: correlations,
		catalog:      cat,
		shipping:     quoter,
		gateway:      gw,
		events:       events,
		logger:       logger,
		ttl:          ttl,
		now:          time.Now,
	}
}

type stockKey struct {
	productID string
	variantID string
}

type stockLimit struct {
	available int
	unlimited bool
}

// CreateSession prices the cart from the catalog and stores a pending
// session. Whatever the client believes the prices are, the session total is
// the sum of catalog line totals plus shipping.
func (s *SessionService) CreateSession(ctx context.Context, userID string, input *CreateSessionInput) (*domain.CheckoutSession, error) {
	if input == nil || len(input.Items) == 0 {
		return nil, &domain.InvalidCartError{Reason: "cart is empty"}
	}
	currency := strings.ToUpper(input.Currency)

	products := make(map[string]*catalog.Product)
	requested := make(map[stockKey]int)
	limits := make(map[stockKey]stockLimit)
	items := make([]domain.LineItem, 0, len(input.Items))

	for _, in := range input.Items {
		if in.Quantity <= 0 {
			return nil, &domain.InvalidCartError{ProductID: in.ProductID, Reason: "quantity must be positive"}
		}

		product, ok := products[in.ProductID]
		if !ok {
			p, err := s.catalog.GetProduct(ctx, in.ProductID)
			if errors.Is(err, catalog.ErrProductNotFound) {
				return nil, &domain.InvalidCartError{ProductID: in.ProductID, Reason: "product does not exist"}
			}
			if err != nil {
				return nil, fmt.Errorf("get product %s: %w", in.ProductID, err)
			}
			products[in.ProductID] = p
			product = p
		}

		if !strings.EqualFold(product.Currency, currency) {
			return nil, &domain.InvalidCartError{
				ProductID: in.ProductID,
				Reason:    fmt.Sprintf("priced in %s, checkout currency is %s", product.Currency, currency),
			}
		}

		item := domain.LineItem{
			ProductID: product.ID,
			Name:      product.Name,
			SKU:       product.SKU,
			UnitPrice: product.Price,
			Quantity:  in.Quantity,
		}
		key := stockKey{productID: product.ID}
		limit := stockLimit{available: product.Stock, unlimited: product.UnlimitedStock}

		if in.VariantID != "" {
			v, ok := product.Variant(in.VariantID)
			if !ok {
				return nil, &domain.InvalidCartError{ProductID: in.ProductID, Reason: fmt.Sprintf("variant %s does not exist", in.VariantID)}
			}
			item.VariantID = v.ID
			item.Size = v.Size
			item.Color = v.Color
			if v.SKU != "" {
				item.SKU = v.SKU
			}
			if v.Price != nil {
				item.UnitPrice = *v.Price
			}
			key.variantID = v.ID
			limit = stockLimit{available: v.Stock, unlimited: v.UnlimitedStock}
		}

		if in.EmbroideryURL != "" {
			item.EmbroideryURL = in.EmbroideryURL
			item.EmbroideryPrice = product.EmbroideryPrice
		}

		requested[key] += in.Quantity
		limits[key] = limit
		item.LineTotal = item.Total()
		items = append(items, item)
	}

	for key, qty := range requested {
		limit := limits[key]
		if !limit.unlimited && qty > limit.available {
			return nil, &domain.InsufficientStockError{
				ProductID: key.productID,
				VariantID: key.variantID,
				Requested: qty,
				Available: limit.available,
			}
		}
	}

	addr := input.ShippingAddress.toDomain()
	var subtotal int64
	itemCount := 0
	for _, item := range items {
		subtotal += item.LineTotal
		itemCount += item.Quantity
	}

	shippingCost, err := s.shipping.Quote(addr.Country, currency, subtotal, itemCount)
	if errors.Is(err, shipping.ErrNoRate) {
		return nil, apperrors.InvalidInput(fmt.Sprintf("shipping is not available to %s in %s", addr.Country, currency))
	}
	if err != nil {
		return nil, fmt.Errorf("quote shipping: %w", err)
	}

	session := domain.NewCheckoutSession(uuid.New().String(), userID, items, shippingCost, currency, addr, s.now(), s.ttl)
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	sessionsCreated.WithLabelValues(currency).Inc()

	log := logger.WithContext(ctx, s.logger)
	log.InfoContext(ctx, "checkout session created",
		slog.String("session_id", session.ID),
		slog.Int64("total_amount", session.TotalAmount),
		slog.String("currency", currency),
		slog.Int("items", len(items)),
	)

	if err := s.events.PublishSessionCreated(ctx, session); err != nil {
		log.ErrorContext(ctx, "failed to publish session created event",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
	}

	return session, nil
}

// GetSession returns a session to its owner. Someone else's session is
// reported as not found.
func (s *SessionService) GetSession(ctx context.Context, id, userID string) (*domain.CheckoutSession, error) {
	session, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.OwnedBy(userID) {
		return nil, &domain.SessionNotFoundError{SessionID: id}
	}
	return session, nil
}

// MarkAwaitingGateway records corr and moves the session from pending to
// awaiting_gateway.
func (s *SessionService) MarkAwaitingGateway(ctx context.Context, sessionID string, corr *domain.GatewayCorrelation) error {
	corr.SessionID = sessionID
	if corr.CreatedAt.IsZero() {
		corr.CreatedAt = s.now().UTC()
	}
	return s.sessions.MarkAwaitingGateway(ctx, corr)
}

// InitiatePayment opens a gateway payment page for a pending session. A
// session already waiting on the gateway gets its existing correlation back.
func (s *SessionService) InitiatePayment(ctx context.Context, sessionID, userID string) (*domain.GatewayCorrelation, error) {
	session, err := s.GetSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	switch {
	case session.IsExpiredAt(now):
		current, err := expireSession(ctx, s.sessions, s.events, s.logger, session)
		if err != nil {
			return nil, err
		}
		return nil, &domain.InvalidStateTransitionError{
			ID:   current.ID,
			From: string(current.Status),
			To:   string(domain.StatusAwaitingGateway),
		}
	case session.Status == domain.StatusAwaitingGateway:
		corr, err := s.correlations.GetBySessionID(ctx, session.ID)
		if err != nil {
			return nil, fmt.Errorf("get gateway correlation: %w", err)
		}
		return corr, nil
	case session.Status != domain.StatusPending:
		return nil, &domain.InvalidStateTransitionError{
			ID:   session.ID,
			From: string(session.Status),
			To:   string(domain.StatusAwaitingGateway),
		}
	}

	log := logger.WithContext(ctx, s.logger)

	res, err := s.gateway.InitializeGatewaySession(ctx, session)
	if err != nil {
		if gateway.IsDeclined(err) {
			if _, ferr := s.sessions.TransitionStatus(ctx, session.ID,
				[]domain.SessionStatus{domain.StatusPending}, domain.StatusFailed, err.Error()); ferr != nil {
				log.ErrorContext(ctx, "failed to mark declined session failed",
					slog.String("session_id", session.ID),
					slog.String("error", ferr.Error()),
				)
			}
		}
		return nil, err
	}

	corr := &domain.GatewayCorrelation{
		GatewayToken:   res.GatewayToken,
		Provider:       s.gateway.Provider(),
		IdempotencyKey: domain.IdempotencyKey(session.ID),
		RedirectURL:    res.RedirectURL,
		CreatedAt:      now.UTC(),
	}
	if err := s.MarkAwaitingGateway(ctx, session.ID, corr); err != nil {
		var ist *domain.InvalidStateTransitionError
		if errors.As(err, &ist) {
			// A concurrent submission of the same session got there first.
			if existing, gerr := s.correlations.GetBySessionID(ctx, session.ID); gerr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	log.InfoContext(ctx, "payment initiated",
		slog.String("session_id", session.ID),
		slog.String("provider", corr.Provider),
	)
	return corr, nil
}

// ExpireStaleSessions expires every unpaid session past its TTL and returns
// how many were expired. Concurrent callers never expire a session twice.
func (s *SessionService) ExpireStaleSessions(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.sessions.ExpireStale(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("expire stale sessions: %w", err)
	}

	for _, id := range ids {
		if err := s.events.PublishSessionExpired(ctx, id, now); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish session expired event",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	sessionsExpired.Add(float64(len(ids)))
	return len(ids), nil
}

// expireSession moves an unpaid session past its TTL to expired and returns
// the SessionExpiredError the caller should surface. If a concurrent caller
// moved the session out of the unpaid states first, the re-read session is
// returned with a nil error so the caller can act on what the winner did.
func expireSession(ctx context.Context, sessions repository.SessionRepository, events EventPublisher, log *slog.Logger, session *domain.CheckoutSession) (*domain.CheckoutSession, error) {
	expired := &domain.SessionExpiredError{SessionID: session.ID, ExpiredAt: session.ExpiresAt}
	if session.Status == domain.StatusExpired {
		return nil, expired
	}

	changed, err := sessions.TransitionStatus(ctx, session.ID,
		[]domain.SessionStatus{domain.StatusPending, domain.StatusAwaitingGateway}, domain.StatusExpired, "")
	if err != nil {
		return nil, fmt.Errorf("expire session: %w", err)
	}
	if changed {
		if err := events.PublishSessionExpired(ctx, session.ID, time.Now().UTC()); err != nil {
			log.ErrorContext(ctx, "failed to publish session expired event",
				slog.String("session_id", session.ID),
				slog.String("error", err.Error()),
			)
		}
		return nil, expired
	}

	current, err := sessions.GetByID(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("reload session: %w", err)
	}
	switch current.Status {
	case domain.StatusExpired, domain.StatusPending, domain.StatusAwaitingGateway:
		return nil, expired
	}
	return current, nil
}
