package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Stream metrics
	LinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_log_lines_total",
			Help: "Total log lines consumed per node",
		},
		[]string{"node"},
	)

	ParsedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_parsed_lines_total",
			Help: "Total accepted-connection lines parsed per node",
		},
		[]string{"node"},
	)

	StreamAttachesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_stream_attaches_total",
			Help: "Total log stream attach attempts per node",
		},
		[]string{"node"},
	)

	StreamRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_stream_restarts_total",
			Help: "Total log stream restarts per node",
		},
		[]string{"node"},
	)

	FDUnreadableTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_fd_unreadable_total",
			Help: "Total fd_unreadable sentinels observed per node",
		},
		[]string{"node"},
	)

	RebootsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_node_reboots_total",
			Help: "Total automatic reboot commands issued per node",
		},
		[]string{"node"},
	)

	// Detection metrics
	EvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_evictions_total",
			Help: "Total addresses evicted per inbound",
		},
		[]string{"inbound"},
	)

	// Enforcement metrics
	BansScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_bans_scheduled_total",
			Help: "Total ban insertions accepted into node pending slots",
		},
		[]string{"node"},
	)

	BanBatchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_ban_batch_failures_total",
			Help: "Total failed ban batch submissions per node",
		},
		[]string{"node"},
	)

	PendingDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guardian_pending_bans",
			Help: "Current pending-ban slot depth per node",
		},
		[]string{"node"},
	)

	PendingOverflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_pending_overflows_total",
			Help: "Total ban insertions dropped at the pending-slot cap",
		},
		[]string{"node"},
	)

	BatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guardian_ban_batch_latency_seconds",
			Help:    "Per-address enqueue-to-submit latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node"},
	)

	BatchLatencyP95 = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guardian_ban_batch_latency_p95_seconds",
			Help: "Rolling p95 of per-address enqueue-to-submit latency",
		},
		[]string{"node"},
	)

	// Store metrics
	StoreErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guardian_store_errors_total",
			Help: "Total state store operation failures",
		},
	)

	// Notifier metrics
	NotifyFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guardian_notify_failures_total",
			Help: "Total operator notification failures",
		},
	)
)

func init() {
	prometheus.MustRegister(LinesTotal)
	prometheus.MustRegister(ParsedTotal)
	prometheus.MustRegister(StreamAttachesTotal)
	prometheus.MustRegister(StreamRestartsTotal)
	prometheus.MustRegister(FDUnreadableTotal)
	prometheus.MustRegister(RebootsTotal)
	prometheus.MustRegister(EvictionsTotal)
	prometheus.MustRegister(BansScheduledTotal)
	prometheus.MustRegister(BanBatchFailuresTotal)
	prometheus.MustRegister(PendingDepth)
	prometheus.MustRegister(PendingOverflowsTotal)
	prometheus.MustRegister(BatchLatency)
	prometheus.MustRegister(BatchLatencyP95)
	prometheus.MustRegister(StoreErrorsTotal)
	prometheus.MustRegister(NotifyFailuresTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Observer) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
