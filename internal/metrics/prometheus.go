// Package metrics provides Prometheus metrics for the post-auction service
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Ingest metrics
	EventsInjected *prometheus.CounterVec
	QueueRejected  *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	DecodeFailures *prometheus.CounterVec

	// Matching metrics
	MatchedWinLoss        *prometheus.CounterVec
	MatchedCampaignEvents *prometheus.CounterVec
	Unmatched             *prometheus.CounterVec
	Errors                *prometheus.CounterVec
	ErrorsByFunction      *prometheus.CounterVec
	IgnoredRepeats        prometheus.Counter
	ExpiredFinished       prometheus.Counter
	TableSize             *prometheus.GaugeVec
	SweepDuration         prometheus.Histogram
	LoopLoad              prometheus.Gauge
	WinLatency            prometheus.Histogram
	WinPrice              *prometheus.HistogramVec

	// Collaborator metrics
	BankerFailures *prometheus.CounterVec
	NotifyFailures *prometheus.CounterVec
	AuditFailures  prometheus.Counter

	// System metrics
	RateLimitRejected prometheus.Counter
	AuthFailures      prometheus.Counter
}

// NewMetrics creates all Prometheus metrics and registers them with reg.
// A nil reg registers with the default registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "pas"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		// Request metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			},
		),

		// Ingest metrics
		EventsInjected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_injected_total",
				Help:      "Total events accepted onto the input queues",
			},
			[]string{"type"},
		),
		QueueRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_rejected_total",
				Help:      "Total events rejected because an input queue was full",
			},
			[]string{"queue"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of events waiting on each input queue",
			},
			[]string{"queue"},
		),

		// Matching metrics
		MatchedWinLoss: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "matched_win_loss_total",
				Help:      "Total auctions resolved as a win or loss",
			},
			[]string{"resolution", "confidence"},
		),
		MatchedCampaignEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "matched_campaign_events_total",
				Help:      "Total campaign events attributed to a won auction",
			},
			[]string{"label"},
		),
		Unmatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unmatched_total",
				Help:      "Total events that could not be matched",
			},
			[]string{"type", "reason"},
		),
		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total matching errors by kind",
			},
			[]string{"kind"},
		),
		ErrorsByFunction: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "error_hits_total",
				Help:      "Total matching errors by the function that raised them",
			},
			[]string{"function"},
		),
		IgnoredRepeats: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ignored_repeat_events_total",
				Help:      "Total repeated campaign events dropped by an ignore policy",
			},
		),
		ExpiredFinished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "expired_finished_total",
				Help:      "Total finished auctions dropped after their campaign window",
			},
		),
		TableSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "table_size",
				Help:      "Number of auctions held in each table",
			},
			[]string{"table"},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Time spent expiring timed out auctions per tick",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
			},
		),
		LoopLoad: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "loop_load_ratio",
				Help:      "Share of wall time the matching loop spent working over the last window",
			},
		),
		WinLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "win_latency_seconds",
				Help:      "Time between bid submission and its win notification",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
		),
		WinPrice: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "win_price",
				Help:      "Clearing price distribution of won auctions",
				Buckets:   []float64{0.1, 0.5, 1, 2, 3, 5, 10, 20, 50},
			},
			[]string{"agent"},
		),

		DecodeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_failures_total",
				Help:      "Total inbound messages that could not be decoded",
			},
			[]string{"source", "type"},
		),

		// Collaborator metrics
		BankerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "banker_failures_total",
				Help:      "Total ledger calls that failed",
			},
			[]string{"operation"},
		),
		NotifyFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_notify_failures_total",
				Help:      "Total agent notifications that failed",
			},
			[]string{"type"},
		),
		AuditFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_publish_failures_total",
				Help:      "Total audit log records that could not be published",
			},
		),

		// System metrics
		RateLimitRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_rejected_total",
				Help:      "Total requests rejected due to rate limiting",
			},
		),
		AuthFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total authentication failures",
			},
		),
	}

	// Register all metrics
	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.EventsInjected,
		m.QueueRejected,
		m.QueueDepth,
		m.DecodeFailures,
		m.MatchedWinLoss,
		m.MatchedCampaignEvents,
		m.Unmatched,
		m.Errors,
		m.ErrorsByFunction,
		m.IgnoredRepeats,
		m.ExpiredFinished,
		m.TableSize,
		m.SweepDuration,
		m.LoopLoad,
		m.WinLatency,
		m.WinPrice,
		m.BankerFailures,
		m.NotifyFailures,
		m.AuditFailures,
		m.RateLimitRejected,
		m.AuthFailures,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a Prometheus HTTP handler for a specific gatherer
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Middleware returns HTTP middleware that records request metrics
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(wrapped.statusCode)

		m.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		m.RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecordInjected records an event accepted onto an input queue
func (m *Metrics) RecordInjected(eventType string) {
	m.EventsInjected.WithLabelValues(eventType).Inc()
}

// RecordQueueRejected records an event dropped by backpressure
func (m *Metrics) RecordQueueRejected(queue string) {
	m.QueueRejected.WithLabelValues(queue).Inc()
}

// SetQueueDepths sets the queue depth gauges
func (m *Metrics) SetQueueDepths(auctions, events int) {
	m.QueueDepth.WithLabelValues("auctions").Set(float64(auctions))
	m.QueueDepth.WithLabelValues("events").Set(float64(events))
}

// SetTableSizes sets the pending and finished table gauges
func (m *Metrics) SetTableSizes(pending, finished int) {
	m.TableSize.WithLabelValues("pending").Set(float64(pending))
	m.TableSize.WithLabelValues("finished").Set(float64(finished))
}

// RecordMatchedWinLoss records a resolved auction. latency is the time
// between submission and resolution and is only observed for wins.
func (m *Metrics) RecordMatchedWinLoss(resolution, confidence, agent string, price float64, latency time.Duration) {
	m.MatchedWinLoss.WithLabelValues(resolution, confidence).Inc()
	if resolution != "WIN" {
		return
	}
	if latency > 0 {
		m.WinLatency.Observe(latency.Seconds())
	}
	m.WinPrice.WithLabelValues(agent).Observe(price)
}

// RecordMatchedCampaignEvent records an attributed campaign event
func (m *Metrics) RecordMatchedCampaignEvent(label string) {
	m.MatchedCampaignEvents.WithLabelValues(label).Inc()
}

// RecordUnmatched records an event that found nothing to match
func (m *Metrics) RecordUnmatched(eventType, reason string) {
	m.Unmatched.WithLabelValues(eventType, reason).Inc()
}

// RecordError records a matching error by kind and raising function
func (m *Metrics) RecordError(kind, function string) {
	m.Errors.WithLabelValues(kind).Inc()
	if function != "" {
		m.ErrorsByFunction.WithLabelValues(function).Inc()
	}
}

// SetLoopLoad sets the matching loop load ratio
func (m *Metrics) SetLoopLoad(ratio float64) {
	m.LoopLoad.Set(ratio)
}

// RecordSweep records one sweep tick
func (m *Metrics) RecordSweep(duration time.Duration, expiredFinished int) {
	m.SweepDuration.Observe(duration.Seconds())
	if expiredFinished > 0 {
		m.ExpiredFinished.Add(float64(expiredFinished))
	}
}

// RecordIgnoredRepeats records campaign events dropped by an ignore policy
func (m *Metrics) RecordIgnoredRepeats(n int) {
	if n > 0 {
		m.IgnoredRepeats.Add(float64(n))
	}
}

// RecordBankerFailure records a failed ledger call
func (m *Metrics) RecordBankerFailure(operation string) {
	m.BankerFailures.WithLabelValues(operation).Inc()
}

// RecordNotifyFailure records a failed agent notification
func (m *Metrics) RecordNotifyFailure(messageType string) {
	m.NotifyFailures.WithLabelValues(messageType).Inc()
}

// RecordAuditFailure records a failed audit log publish
func (m *Metrics) RecordAuditFailure() {
	m.AuditFailures.Inc()
}

// RecordDecodeFailure records an inbound message rejected before injection
func (m *Metrics) RecordDecodeFailure(source, eventType string) {
	m.DecodeFailures.WithLabelValues(source, eventType).Inc()
}
