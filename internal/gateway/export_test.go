package gateway

import "github.com/prometheus/client_golang/prometheus"

func RequestCounter(provider, op, outcome string) prometheus.Counter {
	return requestsTotal.WithLabelValues(provider, op, outcome)
}
