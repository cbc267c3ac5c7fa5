package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utafrali/textile-orderflow/pkg/health"
	"github.com/utafrali/textile-orderflow/pkg/middleware"
)

const serviceName = "orderflow"

// RouterConfig carries the settings the router needs beyond its handlers.
type RouterConfig struct {
	CORSOrigins     []string
	JWTSecret       string
	TrustUserHeader bool
	PprofCIDRs      []string
	SuccessURL      string
	FailureURL      string
	// RequestTimeout bounds each request. It must exceed the gateway timeout
	// so a slow verification is reported by the gateway adapter.
	RequestTimeout time.Duration
}

// NewRouter creates a chi router with all orderflow routes registered.
func NewRouter(
	sessions SessionService,
	finalizer PaymentFinalizer,
	orders OrderService,
	healthHandler *health.Handler,
	cfg RouterConfig,
	logger *slog.Logger,
) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.CORSOrigins)))
	r.Use(middleware.Recovery(logger))
	r.Use(chimw.Compress(5))
	r.Use(chimw.Timeout(cfg.RequestTimeout))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics(serviceName))
	r.Use(middleware.Tracing(serviceName))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	// Pprof debug endpoints with IP allowlist.
	middleware.RegisterPprof(r, cfg.PprofCIDRs, logger)

	var validate middleware.TokenValidator = rejectTokens
	if cfg.JWTSecret != "" {
		validate = middleware.NewJWTValidator([]byte(cfg.JWTSecret))
	}
	identity := middleware.Identity(validate, cfg.TrustUserHeader)

	checkoutHandler := NewCheckoutHandler(sessions, logger)
	paymentHandler := NewPaymentHandler(finalizer, cfg.SuccessURL, cfg.FailureURL, logger)
	orderHandler := NewOrderHandler(orders, logger)

	r.Route("/checkout/session", func(r chi.Router) {
		r.Use(identity)
		r.Use(middleware.RequestLogger(logger))
		r.Use(middleware.ContentTypeJSON)

		r.Post("/", checkoutHandler.CreateSession)
		r.Get("/{id}", checkoutHandler.GetSession)
		r.Post("/{id}/gateway-init", checkoutHandler.InitiatePayment)
	})

	// The gateway calls back without user credentials; the token is the
	// only identifier.
	r.Route("/payment/callback", func(r chi.Router) {
		r.Use(middleware.RequestLogger(logger))
		r.Get("/", paymentHandler.Return)
		r.Post("/", paymentHandler.Notify)
	})

	r.Route("/orders", func(r chi.Router) {
		r.Use(identity)
		r.Use(middleware.RequestLogger(logger))
		r.Use(middleware.ContentTypeJSON)

		r.Get("/", orderHandler.ListOrders)
		r.Get("/{id}", orderHandler.GetOrder)
		r.With(middleware.RequireRole(middleware.RoleAdmin)).Patch("/{id}/shipping", orderHandler.UpdateShipping)
	})

	return r
}

// rejectTokens is used when no JWT secret is configured: bearer tokens are
// refused rather than checked against an empty key.
func rejectTokens(string) (*middleware.Claims, error) {
	return nil, errors.New("token authentication is not configured")
}
