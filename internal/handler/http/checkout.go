package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/utafrali/textile-orderflow/internal/domain"
	"github.com/utafrali/textile-orderflow/internal/service"
	"github.com/utafrali/textile-orderflow/pkg/httputil"
	"github.com/utafrali/textile-orderflow/pkg/middleware"
)

// SessionService is the part of service.SessionService the HTTP layer uses.
type SessionService interface {
	CreateSession(ctx context.Context, userID string, input *service.CreateSessionInput) (*domain.CheckoutSession, error)
	GetSession(ctx context.Context, id, userID string) (*domain.CheckoutSession, error)
	InitiatePayment(ctx context.Context, sessionID, userID string) (*domain.GatewayCorrelation, error)
}

// CheckoutHandler handles HTTP requests for checkout session endpoints.
type CheckoutHandler struct {
	service SessionService
	logger  *slog.Logger
}

// NewCheckoutHandler creates a new checkout HTTP handler.
func NewCheckoutHandler(svc SessionService, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		service: svc,
		logger:  logger,
	}
}

// gatewayInitResponse is what the storefront needs to send the shopper to the
// hosted payment page.
type gatewayInitResponse struct {
	SessionID    string `json:"session_id"`
	Provider     string `json:"provider"`
	GatewayToken string `json:"gateway_token"`
	RedirectURL  string `json:"redirect_url"`
}

// CreateSession handles POST /checkout/session
func (h *CheckoutHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var input service.CreateSessionInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}

	session, err := h.service.CreateSession(r.Context(), middleware.UserIDFromContext(r.Context()), &input)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusCreated, session)
}

// GetSession handles GET /checkout/session/{id}
func (h *CheckoutHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	session, err := h.service.GetSession(r.Context(), id.String(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, session)
}

// InitiatePayment handles POST /checkout/session/{id}/gateway-init. Repeating
// the call returns the correlation created by the first one.
func (h *CheckoutHandler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	corr, err := h.service.InitiatePayment(r.Context(), id.String(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, gatewayInitResponse{
		SessionID:    corr.SessionID,
		Provider:     corr.Provider,
		GatewayToken: corr.GatewayToken,
		RedirectURL:  corr.RedirectURL,
	})
}
