package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Singleton collector
	collector     *Collector
	collectorOnce sync.Once
)

// Collector holds all exchange metrics
type Collector struct {
	// Order metrics
	OrdersTotal   *prometheus.CounterVec
	OrdersResting *prometheus.GaugeVec
	RejectsTotal  *prometheus.CounterVec
	OrderLatency  *prometheus.HistogramVec

	// Trade metrics
	TradesTotal *prometheus.CounterVec
	TradeVolume *prometheus.CounterVec
	TradeValue  *prometheus.CounterVec

	// Matching engine metrics
	MatchLatency *prometheus.HistogramVec
	QueueDepth   *prometheus.GaugeVec
	QueueBusy    *prometheus.CounterVec

	// Event bus metrics
	BusPublished  *prometheus.CounterVec
	BusDropped    *prometheus.CounterVec
	BusLagSignals *prometheus.CounterVec
	Subscribers   *prometheus.GaugeVec

	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec
	UsersJoined    *prometheus.CounterVec

	// Invariant metrics
	InvariantViolations *prometheus.CounterVec

	// Simulator metrics
	TicksTotal *prometheus.CounterVec
	NewsTotal  *prometheus.CounterVec

	// WebSocket metrics
	WSConnectionsActive prometheus.Gauge
	WSMessagesTotal     *prometheus.CounterVec

	// API metrics
	APIRequestsTotal  *prometheus.CounterVec
	APIRequestLatency *prometheus.HistogramVec
	RateLimitHits     *prometheus.CounterVec

	// Journal metrics
	JournalRecords *prometheus.CounterVec
	JournalErrors  *prometheus.CounterVec
}

// GetCollector returns the singleton metrics collector
func GetCollector() *Collector {
	collectorOnce.Do(func() {
		collector = newCollector()
	})
	return collector
}

// newCollector creates a new metrics collector
func newCollector() *Collector {
	c := &Collector{}

	// Order metrics
	c.OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openoutcry",
			Subsystem: "orders",
			Name:      "total",
			Help:      "Total number of orders accepted",
		},
		[]string{"security", "side", "type"},
	)

	c.OrdersResting = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "openoutcry",
			Subsystem: "orders",
			Name:      "resting",
			Help:      "Number of orders resting on the book",
		},
		[]string{"security", "side"},
	)

	c.RejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openoutcry",
			Subsystem: "orders",
			Name:      "rejects_total",
			Help:      "Total number of rejected orders",
		},
		[]string{"reason"},
	)

	c.OrderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "openoutcry",
			Subsystem: "orders",
			Name:      "latency_ms",
			Help:      "Order submit-to-result latency in milliseconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250},
		},
		[]string{"type"},
	)

	// Trade metrics
	c.TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openoutcry",
			Subsystem: "trades",
			Name:      "total",
			Help:      "Total number of trades executed",
		},
		[]string{"security"},
	)

	c.TradeVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openoutcry",
			Subsystem: "trades",
			Name:      "volume",
			Help:      "Total traded quantity",
		},
		[]string{"security"},
	)

	c.TradeValue = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openoutcry",
			Subsystem: "trades",
			Name:      "value",
			Help:      "Total traded notional value",
		},
		[]string{"security"},
	)

	// Matching engine metrics
	c.MatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "openoutcry",
			Subsystem: "matching",
			Name:      "latency_ms",
			Help:      "Matching cycle latency in milliseconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"security"},
	)

	c.QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "openoutcry",
			Subsystem: "matching",
			Name:      "queue_depth",
			Help:      "Pending commands in the matching queue",
		},
		[]string{"session_id"},
	)

	c.QueueBusy = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openoutcry",
			Subsystem: "matching",
			Name:      "queue_busy_total",
			Help:      "Total submissions rejected because the queue was full",
		},
		[]string{"session_id"},
	)

	// Event bus metrics
	c.BusPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openoutcry",
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Total events published to the bus",
		},
		[]string{"kind"},
	)

	c.BusDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openoutcry",
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Total events dropped due to slow subscribers",
		},
		[]string{"kind"},
	)

	c.BusLagSignals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openoutcry",
			Subsystem: "bus",
			Name:      "lag_signals_total",
			Help:      "Total lag markers delivered to subscribers",
		},
		[]string{"session_id"},
	)

	c.Subscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "openoutcry",
			Subsystem: "bus",
			Name:      "subscribers",
			Help:      "Number of active subscriptions",
		},
		[]string{"session_id"},
	)

	// Session metrics
	c.SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "openoutcry",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of sessions not yet ended",
		},
	)

	c.SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openoutcry",
			Subsystem: "sessions",
			Name:      "total",
			Help:      "Total sessions by lifecycle transition",
		},
		[]string{"state"},
	)

	c.UsersJoined = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openoutcry",
			Subsystem: "sessions",
			Name:      "users_joined_total",
			Help:      "Total users joined across sessions",
		},
		[]string{"session_id"},
	)

	// Invariant metrics
	c.InvariantViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openoutcry",
			Subsystem: "invariants",
			Name:      "violations_total",
			Help:      "Total detected invariant violations",
		},
		[]string{"invariant"},
	)

	// Simulator metrics
	c.TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openoutcry",
			Subsystem: "sim",
			Name:      "ticks_total",
			Help:      "Total market ticks generated",
		},
		[]string{"security"},
	)

	c.NewsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openoutcry",
			Subsystem: "sim",
			Name:      "news_total",
			Help:      "Total news events emitted",
		},
		[]string{"sign"},
	)

	// WebSocket metrics
	c.WSConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "openoutcry",
			Subsystem: "websocket",
			Name:      "connections_active",
			Help:      "Number of active WebSocket connections",
		},
	)

	c.WSMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openoutcry",
			Subsystem: "websocket",
			Name:      "messages_total",
			Help:      "Total WebSocket messages sent",
		},
		[]string{"kind"},
	)

	// API metrics
	c.APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openoutcry",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total API requests",
		},
		[]string{"method", "path", "status"},
	)

	c.APIRequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "openoutcry",
			Subsystem: "api",
			Name:      "request_latency_ms",
			Help:      "API request latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"method", "path"},
	)

	c.RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openoutcry",
			Subsystem: "api",
			Name:      "rate_limit_hits",
			Help:      "Total rate limit hits",
		},
		[]string{"limit_type"},
	)

	// Journal metrics
	c.JournalRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openoutcry",
			Subsystem: "journal",
			Name:      "records_total",
			Help:      "Total events written to the journal",
		},
		[]string{"sink"},
	)

	c.JournalErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openoutcry",
			Subsystem: "journal",
			Name:      "errors_total",
			Help:      "Total journal write errors",
		},
		[]string{"sink"},
	)

	c.registerAll()

	return c
}

// registerAll registers all metrics with Prometheus
func (c *Collector) registerAll() {
	prometheus.MustRegister(c.OrdersTotal)
	prometheus.MustRegister(c.OrdersResting)
	prometheus.MustRegister(c.RejectsTotal)
	prometheus.MustRegister(c.OrderLatency)

	prometheus.MustRegister(c.TradesTotal)
	prometheus.MustRegister(c.TradeVolume)
	prometheus.MustRegister(c.TradeValue)

	prometheus.MustRegister(c.MatchLatency)
	prometheus.MustRegister(c.QueueDepth)
	prometheus.MustRegister(c.QueueBusy)

	prometheus.MustRegister(c.BusPublished)
	prometheus.MustRegister(c.BusDropped)
	prometheus.MustRegister(c.BusLagSignals)
	prometheus.MustRegister(c.Subscribers)

	prometheus.MustRegister(c.SessionsActive)
	prometheus.MustRegister(c.SessionsTotal)
	prometheus.MustRegister(c.UsersJoined)

	prometheus.MustRegister(c.InvariantViolations)

	prometheus.MustRegister(c.TicksTotal)
	prometheus.MustRegister(c.NewsTotal)

	prometheus.MustRegister(c.WSConnectionsActive)
	prometheus.MustRegister(c.WSMessagesTotal)

	prometheus.MustRegister(c.APIRequestsTotal)
	prometheus.MustRegister(c.APIRequestLatency)
	prometheus.MustRegister(c.RateLimitHits)

	prometheus.MustRegister(c.JournalRecords)
	prometheus.MustRegister(c.JournalErrors)
}

// ============ Recording Helpers ============

// RecordOrder records an accepted order
func (c *Collector) RecordOrder(security, side, orderType string) {
	c.OrdersTotal.WithLabelValues(security, side, orderType).Inc()
}

// RecordReject records a rejected order
func (c *Collector) RecordReject(reason string) {
	c.RejectsTotal.WithLabelValues(reason).Inc()
}

// RecordOrderLatency records submit-to-result latency
func (c *Collector) RecordOrderLatency(orderType string, latencyMs float64) {
	c.OrderLatency.WithLabelValues(orderType).Observe(latencyMs)
}

// RecordTrade records a trade event
func (c *Collector) RecordTrade(security string, volume, value float64) {
	c.TradesTotal.WithLabelValues(security).Inc()
	c.TradeVolume.WithLabelValues(security).Add(volume)
	c.TradeValue.WithLabelValues(security).Add(value)
}

// RecordMatchLatency records one matching cycle
func (c *Collector) RecordMatchLatency(security string, latencyMs float64) {
	c.MatchLatency.WithLabelValues(security).Observe(latencyMs)
}

// RecordBusPublish records an event fanned out on the bus
func (c *Collector) RecordBusPublish(kind string) {
	c.BusPublished.WithLabelValues(kind).Inc()
}

// RecordBusDrop records an event dropped for a slow subscriber
func (c *Collector) RecordBusDrop(kind string) {
	c.BusDropped.WithLabelValues(kind).Inc()
}

// RecordLagSignal records a lag marker delivery
func (c *Collector) RecordLagSignal(sessionID string) {
	c.BusLagSignals.WithLabelValues(sessionID).Inc()
}

// RecordInvariantViolation records a detected invariant violation
func (c *Collector) RecordInvariantViolation(invariant string) {
	c.InvariantViolations.WithLabelValues(invariant).Inc()
}

// RecordSessionState records a lifecycle transition
func (c *Collector) RecordSessionState(state string) {
	c.SessionsTotal.WithLabelValues(state).Inc()
}

// RecordTick records a simulator tick
func (c *Collector) RecordTick(security string) {
	c.TicksTotal.WithLabelValues(security).Inc()
}

// RecordAPIRequest records an API request
func (c *Collector) RecordAPIRequest(method, path, status string, latencyMs float64) {
	c.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.APIRequestLatency.WithLabelValues(method, path).Observe(latencyMs)
}

// RecordWSMessage records a WebSocket message
func (c *Collector) RecordWSMessage(kind string) {
	c.WSMessagesTotal.WithLabelValues(kind).Inc()
}

// RecordJournalRecord records a journal write
func (c *Collector) RecordJournalRecord(sink string) {
	c.JournalRecords.WithLabelValues(sink).Inc()
}

// RecordJournalError records a journal write failure
func (c *Collector) RecordJournalError(sink string) {
	c.JournalErrors.WithLabelValues(sink).Inc()
}

// ============ HTTP Handler ============

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for measuring latency
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ElapsedMs returns the elapsed time in milliseconds
func (t *Timer) ElapsedMs() float64 {
	return float64(time.Since(t.start).Microseconds()) / 1000.0
}
