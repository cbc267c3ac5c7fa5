package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsSubsystem = "kafka"

var consumerLabels = []string{"topic", "consumer_group"}

func consumerCounter(name, help string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: metricsSubsystem,
		Name:      name,
		Help:      help,
	}, consumerLabels)
}

// Consumer side.
var (
	ConsumerMessagesReceived  = consumerCounter("consumer_messages_received_total", "Messages fetched from the broker.")
	ConsumerMessagesProcessed = consumerCounter("consumer_messages_processed_total", "Messages whose handler succeeded.")
	ConsumerMessagesFailed    = consumerCounter("consumer_messages_failed_total", "Messages that exhausted handler retries or could not be decoded.")
	ConsumerDLQPublished      = consumerCounter("consumer_dlq_published_total", "Messages copied to a dead-letter topic.")

	ConsumerProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: metricsSubsystem,
		Name:      "consumer_processing_duration_seconds",
		Help:      "Time spent handling one message, retries included.",
		Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 15, 30},
	}, consumerLabels)

	// ConsumerMessagesDuplicate is labelled by event rather than topic since
	// the idempotency guard sees only the decoded envelope.
	ConsumerMessagesDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: metricsSubsystem,
		Name:      "consumer_messages_duplicate_total",
		Help:      "Messages skipped because their event id was already handled.",
	}, []string{"event_type", "source"})
)

// Producer side.
var (
	ProducerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: metricsSubsystem,
		Name:      "producer_messages_published_total",
		Help:      "Messages written to the broker.",
	}, []string{"topic"})

	ProducerPublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: metricsSubsystem,
		Name:      "producer_publish_errors_total",
		Help:      "Failed publish attempts.",
	}, []string{"topic"})

	ProducerPublishDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: metricsSubsystem,
		Name:      "producer_publish_duration_seconds",
		Help:      "Time taken by a publish call.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"topic"})
)
