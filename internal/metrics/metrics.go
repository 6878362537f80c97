package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessed counts events by pipeline outcome: rejected, duplicate
	// or emitted.
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evtx",
			Name:      "events_processed_total",
			Help:      "Events handed to the pipeline, by outcome",
		},
		[]string{"outcome"},
	)

	EventsSafelisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "evtx",
			Name:      "events_safelisted_total",
			Help:      "Emitted events skipped for rule evaluation by the safelist",
		},
	)

	FindingsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evtx",
			Name:      "findings_generated_total",
			Help:      "Findings emitted, by severity",
		},
		[]string{"severity"},
	)

	FindingsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "evtx",
			Name:      "findings_suppressed_total",
			Help:      "Findings dropped by the rule id safelist",
		},
	)

	RulesLoaded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "evtx",
			Name:      "rules_loaded",
			Help:      "Rules loaded at startup, by source",
		},
		[]string{"source"},
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "evtx",
			Name:      "event_processing_duration_seconds",
			Help:      "Time taken to take one event through the pipeline",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		},
	)

	MapSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evtx",
			Name:      "map_syncs_total",
			Help:      "Remote event map sync attempts, by result",
		},
		[]string{"result"},
	)

	KafkaMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evtx",
			Name:      "kafka_messages_total",
			Help:      "Messages handed to Kafka by the async writer, by result",
		},
		[]string{"result"},
	)
)

const (
	OutcomeRejected  = "rejected"
	OutcomeDuplicate = "duplicate"
	OutcomeEmitted   = "emitted"
)
