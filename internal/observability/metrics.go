package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PositionLedger.
type Metrics struct {
	// --- Ledger ---
	EventsApplied     *prometheus.CounterVec
	EventsMalformed   *prometheus.CounterVec
	ApplyDuration     *prometheus.HistogramVec
	OpenPositions     prometheus.Gauge
	PendingTerminal   prometheus.Gauge
	OpenInterest      *prometheus.GaugeVec
	TerminalConflicts prometheus.Counter
	HighWaterBlock    prometheus.Gauge

	// --- Reconciliation ---
	LedgerStatus        prometheus.Gauge
	StatusTransitions   *prometheus.CounterVec
	BackfillAttempts    *prometheus.CounterVec
	BackfillEvents      prometheus.Counter
	BackfillDuration    prometheus.Histogram
	Resubscribes        prometheus.Counter
	SequenceRegressions *prometheus.CounterVec
	PrunedRecords       prometheus.Counter
	InvariantViolations prometheus.Counter

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	TransitionDrops    prometheus.Counter

	// --- Outbound ---
	PublishErrors       *prometheus.CounterVec
	ProjectionUpdateDur prometheus.Histogram
	ProjectionErrors    prometheus.Counter
	NotifyErrors        prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics on reg.
// Pass prometheus.DefaultRegisterer in the binary and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Ledger
		EventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_events_total",
			Help: "Events applied to the ledger by source, kind and outcome",
		}, []string{"source", "kind", "outcome"}),

		EventsMalformed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_events_malformed_total",
			Help: "Events dropped for a missing or invalid field",
		}, []string{"source", "field"}),

		ApplyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "posledger_apply_duration_seconds",
			Help:    "Time to apply a single event",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "posledger_open_positions",
			Help: "Positions currently open",
		}),

		PendingTerminal: f.NewGauge(prometheus.GaugeOpts{
			Name: "posledger_pending_terminal",
			Help: "Terminal markers waiting for their Opened event",
		}),

		OpenInterest: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "posledger_open_interest",
			Help: "Aggregate open notional (display precision)",
		}, []string{"asset", "side"}),

		TerminalConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "posledger_terminal_conflicts_total",
			Help: "Second terminal events of a different kind, ignored",
		}),

		HighWaterBlock: f.NewGauge(prometheus.GaugeOpts{
			Name: "posledger_high_water_block",
			Help: "Highest source block applied",
		}),

		// Reconciliation
		LedgerStatus: f.NewGauge(prometheus.GaugeOpts{
			Name: "posledger_status",
			Help: "Ledger status: 0=Initializing 1=Live 2=Degraded",
		}),

		StatusTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_status_transitions_total",
			Help: "Ledger status changes",
		}, []string{"from", "to"}),

		BackfillAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_backfill_attempts_total",
			Help: "Backfill attempts by result",
		}, []string{"result"}),

		BackfillEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "posledger_backfill_events_total",
			Help: "Events returned by successful backfills",
		}),

		BackfillDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "posledger_backfill_duration_seconds",
			Help:    "Wall time of a backfill cycle including retries",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),

		Resubscribes: f.NewCounter(prometheus.CounterOpts{
			Name: "posledger_live_resubscribes_total",
			Help: "Live subscription reconnects",
		}),

		SequenceRegressions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_sequence_regressions_total",
			Help: "Deliveries older than the source's high-water mark",
		}, []string{"source"}),

		PrunedRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "posledger_pruned_records_total",
			Help: "Terminal records dropped past the horizon",
		}),

		InvariantViolations: f.NewCounter(prometheus.CounterOpts{
			Name: "posledger_invariant_violations_total",
			Help: "Periodic verification failures",
		}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "posledger_channel_size",
			Help: "Current channel buffer usage",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "posledger_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "posledger_channel_utilization",
			Help: "Channel usage ratio",
		}, []string{"channel"}),

		TransitionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "posledger_transition_drops_total",
			Help: "Transitions dropped because the outbound channel was full",
		}),

		// Outbound
		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_publish_errors_total",
			Help: "Outbound publish failures",
		}, []string{"sink"}),

		ProjectionUpdateDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "posledger_projection_update_duration_seconds",
			Help:    "Time to write one transition to the projection",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1},
		}),

		ProjectionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "posledger_projection_errors_total",
			Help: "Projection writes that failed after retries",
		}),

		NotifyErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "posledger_notify_errors_total",
			Help: "Status notifications that failed to send",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "posledger_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
