package domain

import "time"

// GatewayCorrelation maps a checkout session to the gateway's own token.
// Both sides of the mapping are unique.
type GatewayCorrelation struct {
	SessionID      string    `json:"session_id"`
	GatewayToken   string    `json:"gateway_token"`
	Provider       string    `json:"provider"`
	IdempotencyKey string    `json:"-"`
	RedirectURL    string    `json:"redirect_url"`
	CreatedAt      time.Time `json:"created_at"`
}

// IdempotencyKey derives the gateway idempotency key for a session so that a
// resubmitted initialization maps to the same gateway charge.
func IdempotencyKey(sessionID string) string {
	return "checkout-" + sessionID
}
