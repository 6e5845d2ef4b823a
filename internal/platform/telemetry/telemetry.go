// Package telemetry exposes Prometheus metrics for the HTTP surface, the
// status updater and the recompute queue.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// TelemetryConfig holds the constant labels attached to every metric.
type TelemetryConfig struct {
	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version"`
	Environment    string `json:"environment"`

	// RuntimeMetrics registers the Go runtime and process collectors.
	RuntimeMetrics bool `json:"runtime_metrics"`
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "vaxstatus"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// defaultDurationBuckets are the bucket boundaries (in seconds) for HTTP
// request duration.
var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// batchDurationBuckets cover a status batch, which loads and writes up to a
// few thousand patients.
var batchDurationBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics owns a private registry so tests and multiple servers in one
// process do not collide. A nil *Metrics is valid and records nothing.
type Metrics struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry

	httpDuration   *prometheus.HistogramVec
	activeRequests prometheus.Gauge

	patientsRecomputed    prometheus.Counter
	cacheRows             *prometheus.CounterVec
	vaccinatedTransitions *prometheus.CounterVec
	batchDuration         prometheus.Histogram
	upsertRetries         prometheus.Counter
	queueJobs             *prometheus.CounterVec
	webhookDeliveries     *prometheus.CounterVec

	dbPoolActive prometheus.Gauge
	dbPoolIdle   prometheus.Gauge
}

// New creates and registers every metric.
func New(cfg TelemetryConfig) *Metrics {
	cfg.applyDefaults()
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{
		"service":     cfg.ServiceName,
		"version":     cfg.ServiceVersion,
		"environment": cfg.Environment,
	}
	f := func(c prometheus.Collector) prometheus.Collector {
		prometheus.WrapRegistererWith(labels, reg).MustRegister(c)
		return c
	}

	m := &Metrics{cfg: cfg, registry: reg}
	m.httpDuration = f(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_server_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds.",
		Buckets: defaultDurationBuckets,
	}, []string{"method", "route", "status_code"})).(*prometheus.HistogramVec)
	m.activeRequests = f(prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_server_active_requests",
		Help: "Number of active HTTP requests.",
	})).(prometheus.Gauge)

	m.patientsRecomputed = f(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "status_patients_recomputed_total",
		Help: "Patients whose statuses were recomputed.",
	})).(prometheus.Counter)
	m.cacheRows = f(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "status_cache_rows_total",
		Help: "Status cache rows by table and result (written, unchanged, deleted).",
	}, []string{"table", "result"})).(*prometheus.CounterVec)
	m.vaccinatedTransitions = f(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "status_vaccinated_transitions_total",
		Help: "Programme statuses whose vaccinated-ness changed.",
	}, []string{"programme", "vaccinated"})).(*prometheus.CounterVec)
	m.batchDuration = f(prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "status_batch_duration_seconds",
		Help:    "Duration of one status recompute batch in seconds.",
		Buckets: batchDurationBuckets,
	})).(prometheus.Histogram)
	m.upsertRetries = f(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "status_upsert_retries_total",
		Help: "Cache writes retried after a serialization failure, deadlock or unique violation.",
	})).(prometheus.Counter)
	m.queueJobs = f(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "status_queue_jobs_total",
		Help: "Recompute jobs by result.",
	}, []string{"result"})).(*prometheus.CounterVec)
	m.webhookDeliveries = f(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Webhook deliveries by result (delivered, failed, dropped).",
	}, []string{"result"})).(*prometheus.CounterVec)

	m.dbPoolActive = f(prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "db_pool_active_connections",
		Help: "Number of active database pool connections.",
	})).(prometheus.Gauge)
	m.dbPoolIdle = f(prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "db_pool_idle_connections",
		Help: "Number of idle database pool connections.",
	})).(prometheus.Gauge)

	if cfg.RuntimeMetrics {
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return m
}

// Registry returns the registry backing the metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ---------------------------------------------------------------------------
// Recorders
// ---------------------------------------------------------------------------

// ObservePatients counts recomputed patients.
func (m *Metrics) ObservePatients(n int) {
	if m == nil {
		return
	}
	m.patientsRecomputed.Add(float64(n))
}

// ObserveCacheRows records the outcome of writing one cache table.
func (m *Metrics) ObserveCacheRows(table string, written, unchanged, deleted int) {
	if m == nil {
		return
	}
	m.cacheRows.WithLabelValues(table, "written").Add(float64(written))
	m.cacheRows.WithLabelValues(table, "unchanged").Add(float64(unchanged))
	m.cacheRows.WithLabelValues(table, "deleted").Add(float64(deleted))
}

// ObserveVaccinatedTransition counts a change of vaccinated-ness.
func (m *Metrics) ObserveVaccinatedTransition(programme string, vaccinated bool) {
	if m == nil {
		return
	}
	m.vaccinatedTransitions.WithLabelValues(programme, strconv.FormatBool(vaccinated)).Inc()
}

// ObserveBatch records the duration of one batch.
func (m *Metrics) ObserveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(d.Seconds())
}

// ObserveUpsertRetry counts one retried cache write.
func (m *Metrics) ObserveUpsertRetry() {
	if m == nil {
		return
	}
	m.upsertRetries.Inc()
}

// ObserveJob counts a queue job by result.
func (m *Metrics) ObserveJob(result string) {
	if m == nil {
		return
	}
	m.queueJobs.WithLabelValues(result).Inc()
}

// ObserveWebhook counts a webhook delivery by result.
func (m *Metrics) ObserveWebhook(result string) {
	if m == nil {
		return
	}
	m.webhookDeliveries.WithLabelValues(result).Inc()
}

// SetDBPool sets the pool connection gauges.
func (m *Metrics) SetDBPool(active, idle int64) {
	if m == nil {
		return
	}
	m.dbPoolActive.Set(float64(active))
	m.dbPoolIdle.Set(float64(idle))
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware returns an Echo middleware that records HTTP server metrics.
func (m *Metrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.activeRequests.Inc()
			start := time.Now()

			err := next(c)
			if err != nil {
				// Let echo resolve the status before it is recorded.
				c.Error(err)
			}

			m.activeRequests.Dec()

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := strconv.Itoa(c.Response().Status)
			m.httpDuration.WithLabelValues(c.Request().Method, route, status).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// ---------------------------------------------------------------------------
// PrometheusHandler
// ---------------------------------------------------------------------------

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (m *Metrics) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
