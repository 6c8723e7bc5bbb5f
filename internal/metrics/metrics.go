package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/limiter"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/version"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	profilingActive prometheus.Gauge

	// limiter metrics
	decisionsTotal     *prometheus.CounterVec
	checkDuration      prometheus.Histogram
	storeErrorsTotal   prometheus.Counter
	failOpenTotal      *prometheus.CounterVec
	rateLimitedTotal   *prometheus.CounterVec
	trackedIdentifiers prometheus.Gauge
	sweepRemovedTotal  prometheus.Counter
	limitInfo          *prometheus.GaugeVec
}

var _ limiter.Observer = (*ServerMetrics)(nil)

// New returns a fresh registry + standard collectors + HTTP and limiter metrics
// safe labels only (method, route, code, result) to avoid cardinality explosions,
// identifiers are never used as label values
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{64, 128, 256, 512, 1024, 4096, 16384},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Total limiter decisions by result (allowed, denied)",
		}, []string{"result"}),
		checkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratelimit_check_duration_seconds",
			Help:    "Time spent inside a single limiter check including store access",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		storeErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_store_errors_total",
			Help: "Total limiter checks that failed because the store was unavailable",
		}),
		failOpenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_fail_open_total",
			Help: "Total requests admitted without a decision because the store failed and fail-open is configured",
		}, []string{"source"}),
		rateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total HTTP requests answered with 429 by source (api, middleware)",
		}, []string{"source"}),
		trackedIdentifiers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_tracked_identifiers",
			Help: "Identifiers currently holding at least one in-window record (memory store only)",
		}),
		sweepRemovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_sweep_removed_total",
			Help: "Total idle identifiers dropped by the background sweeper",
		}),
		limitInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_config_info",
			Help: "Active limiter configuration (labels carry values, gauge is always 1)",
		}, []string{"request_limit", "window_seconds", "store", "failure_mode"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.decisionsTotal,
		m.checkDuration,
		m.storeErrorsTotal,
		m.failOpenTotal,
		m.rateLimitedTotal,
		m.trackedIdentifiers,
		m.sweepRemovedTotal,
		m.limitInfo,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// Registry exposes the underlying registry, mainly for tests.
func (m *ServerMetrics) Registry() *prometheus.Registry {
	return m.reg
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

// SetLimitInfo publishes the active limit so dashboards can show it next to the decision rate.
func (m *ServerMetrics) SetLimitInfo(limit int, window time.Duration, store, failureMode string) {
	m.limitInfo.Reset()
	m.limitInfo.WithLabelValues(
		strconv.Itoa(limit),
		strconv.FormatFloat(window.Seconds(), 'f', -1, 64),
		store,
		failureMode,
	).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// ObserveDecision implements limiter.Observer.
func (m *ServerMetrics) ObserveDecision(d limiter.Decision, elapsed time.Duration) {
	result := "allowed"
	if !d.Allowed {
		result = "denied"
	}
	m.decisionsTotal.WithLabelValues(result).Inc()
	m.checkDuration.Observe(elapsed.Seconds())
}

// ObserveStoreError implements limiter.Observer.
func (m *ServerMetrics) ObserveStoreError(error) {
	m.storeErrorsTotal.Inc()
}

func (m *ServerMetrics) IncFailOpen(source string) {
	m.failOpenTotal.WithLabelValues(source).Inc()
}

func (m *ServerMetrics) IncRateLimited(source string) {
	m.rateLimitedTotal.WithLabelValues(source).Inc()
}

func (m *ServerMetrics) SetTrackedIdentifiers(n int) {
	m.trackedIdentifiers.Set(float64(n))
}

func (m *ServerMetrics) AddSweepRemoved(n int) {
	m.sweepRemovedTotal.Add(float64(n))
}
