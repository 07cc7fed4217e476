// Package metrics provides Prometheus metrics for the Tenantlytics service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AnalysesTotal tracks finished analyses by terminal status and origin
	AnalysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantlytics",
			Subsystem: "jobs",
			Name:      "analyses_total",
			Help:      "Total number of analyses reaching a terminal status",
		},
		[]string{"status", "origin"},
	)

	// AnalysisDuration tracks engine computation time in seconds
	AnalysisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tenantlytics",
			Subsystem: "jobs",
			Name:      "analysis_duration_seconds",
			Help:      "Duration of analysis engine computations in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"type"},
	)

	// QueueDepth tracks tasks waiting for a worker
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tenantlytics",
			Subsystem: "jobs",
			Name:      "queue_depth",
			Help:      "Number of compute tasks waiting for a worker",
		},
	)

	// TasksInFlight tracks tasks currently running on a worker
	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tenantlytics",
			Subsystem: "jobs",
			Name:      "tasks_in_flight",
			Help:      "Number of compute tasks currently running",
		},
	)

	// CacheLookups tracks result cache lookups by outcome (hit, miss, error)
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantlytics",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Total number of result cache lookups by outcome",
		},
		[]string{"result"},
	)

	// QuotaRejections tracks blocked requests by feature
	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantlytics",
			Subsystem: "quota",
			Name:      "rejections_total",
			Help:      "Total number of requests rejected for exceeding a plan quota",
		},
		[]string{"feature"},
	)

	// TriggerFirings tracks schedule trigger firings by outcome
	TriggerFirings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenantlytics",
			Subsystem: "schedule",
			Name:      "trigger_firings_total",
			Help:      "Total number of schedule trigger firings by outcome",
		},
		[]string{"outcome"},
	)

	// LiveTriggers tracks the number of installed schedule triggers
	LiveTriggers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tenantlytics",
			Subsystem: "schedule",
			Name:      "live_triggers",
			Help:      "Number of schedule triggers currently installed",
		},
	)

	// LiveSessions tracks connected live-update sessions
	LiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tenantlytics",
			Subsystem: "notify",
			Name:      "live_sessions",
			Help:      "Number of connected live-update sessions",
		},
	)

	// DroppedEvents tracks live events that could not be delivered
	DroppedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tenantlytics",
			Subsystem: "notify",
			Name:      "dropped_events_total",
			Help:      "Total number of live events dropped because a session was gone or full",
		},
	)
)
