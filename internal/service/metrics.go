package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Finalize outcomes.
const (
	outcomeCreated            = "created"
	outcomeAlreadyFinalized   = "already_finalized"
	outcomeLostRace           = "lost_race"
	outcomeExpired            = "expired"
	outcomeVerificationFailed = "verification_failed"
	outcomeAmountMismatch     = "amount_mismatch"
	outcomeGatewayUnavailable = "gateway_unavailable"
	outcomeUnknownCorrelation = "unknown_correlation"
	outcomeError              = "error"
)

var (
	finalizeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_finalize_total",
			Help: "Total number of finalize attempts by outcome",
		},
		[]string{"outcome"},
	)

	reconciliationAnomalies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "checkout_reconciliation_anomalies_total",
			Help: "Total number of verified payments whose amount or currency did not match the session",
		},
	)

	sessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_sessions_created_total",
			Help: "Total number of checkout sessions created",
		},
		[]string{"currency"},
	)

	sessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "checkout_sessions_expired_total",
			Help: "Total number of checkout sessions expired by the sweep",
		},
	)
)
