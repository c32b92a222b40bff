package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	producerPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_producer_messages_published_total",
			Help: "Kafka messages published.",
		},
		[]string{"topic"},
	)

	producerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_producer_publish_errors_total",
			Help: "Kafka publish failures.",
		},
		[]string{"topic"},
	)

	producerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_producer_publish_duration_seconds",
			Help:    "Duration of Kafka publish calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)
)
