package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/limiter"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/version"
)

// findMetric returns the first series of name whose labels include all of want.
func findMetric(t *testing.T, m *ServerMetrics, name string, want map[string]string) *dto.Metric {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	series:
		for _, s := range f.GetMetric() {
			labels := map[string]string{}
			for _, lp := range s.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue series
				}
			}
			return s
		}
	}
	return nil
}

func counterValue(t *testing.T, m *ServerMetrics, name string, labels map[string]string) float64 {
	t.Helper()
	s := findMetric(t, m, name, labels)
	if s == nil {
		return 0
	}
	return s.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, m *ServerMetrics, name string, labels map[string]string) float64 {
	t.Helper()
	s := findMetric(t, m, name, labels)
	if s == nil {
		t.Fatalf("metric %s%v not found", name, labels)
	}
	return s.GetGauge().GetValue()
}

func TestObserveDecision(t *testing.T) {
	m := New()
	m.ObserveDecision(limiter.Decision{Allowed: true}, time.Millisecond)
	m.ObserveDecision(limiter.Decision{Allowed: true}, time.Millisecond)
	m.ObserveDecision(limiter.Decision{Allowed: false}, time.Millisecond)

	if got := counterValue(t, m, "ratelimit_decisions_total", map[string]string{"result": "allowed"}); got != 2 {
		t.Fatalf("allowed = %v, want 2", got)
	}
	if got := counterValue(t, m, "ratelimit_decisions_total", map[string]string{"result": "denied"}); got != 1 {
		t.Fatalf("denied = %v, want 1", got)
	}

	h := findMetric(t, m, "ratelimit_check_duration_seconds", nil)
	if h == nil || h.GetHistogram().GetSampleCount() != 3 {
		t.Fatalf("check duration histogram = %v, want 3 samples", h)
	}
}

func TestObserveStoreError(t *testing.T) {
	m := New()
	m.ObserveStoreError(errors.New("down"))
	if got := counterValue(t, m, "ratelimit_store_errors_total", nil); got != 1 {
		t.Fatalf("store errors = %v, want 1", got)
	}
}

func TestLimiterCounters(t *testing.T) {
	m := New()
	m.IncFailOpen("api")
	m.IncRateLimited("middleware")
	m.IncRateLimited("middleware")
	m.AddSweepRemoved(4)
	m.SetTrackedIdentifiers(12)

	if got := counterValue(t, m, "ratelimit_fail_open_total", map[string]string{"source": "api"}); got != 1 {
		t.Fatalf("fail open = %v", got)
	}
	if got := counterValue(t, m, "http_requests_rate_limited_total", map[string]string{"source": "middleware"}); got != 2 {
		t.Fatalf("rate limited = %v", got)
	}
	if got := counterValue(t, m, "ratelimit_sweep_removed_total", nil); got != 4 {
		t.Fatalf("sweep removed = %v", got)
	}
	if got := gaugeValue(t, m, "ratelimit_tracked_identifiers", nil); got != 12 {
		t.Fatalf("tracked = %v", got)
	}
}

func TestSetLimitInfo_ReplacesPrevious(t *testing.T) {
	m := New()
	m.SetLimitInfo(100, time.Minute, "memory", "closed")
	m.SetLimitInfo(5, 1500*time.Millisecond, "redis", "open")

	if s := findMetric(t, m, "ratelimit_config_info", map[string]string{"request_limit": "100"}); s != nil {
		t.Fatal("stale config series still present")
	}
	got := gaugeValue(t, m, "ratelimit_config_info", map[string]string{
		"request_limit":  "5",
		"window_seconds": "1.5",
		"store":          "redis",
		"failure_mode":   "open",
	})
	if got != 1 {
		t.Fatalf("config info = %v, want 1", got)
	}
}

func TestSetBuildInfoFromVersion(t *testing.T) {
	m := New()
	dirty := true
	m.SetBuildInfoFromVersion("app", "server", &version.Info{Version: "1.2.3", Commit: "abc", VCSDirty: &dirty})

	if got := gaugeValue(t, m, "build_info", map[string]string{"version": "1.2.3", "vcs_dirty": "true"}); got != 1 {
		t.Fatalf("build_info = %v", got)
	}
}

func TestSetProfilingActive(t *testing.T) {
	m := New()
	m.SetProfilingActive(true)
	if got := gaugeValue(t, m, "profiling_active", nil); got != 1 {
		t.Fatalf("profiling_active = %v", got)
	}
	m.SetProfilingActive(false)
	if got := gaugeValue(t, m, "profiling_active", nil); got != 0 {
		t.Fatalf("profiling_active = %v", got)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/boom", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for _, path := range []string{"/items/1", "/items/2", "/boom", "/nope"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := counterValue(t, m, "http_requests_total", map[string]string{"route": "/items/{id}", "status": "200"}); got != 2 {
		t.Fatalf("items = %v, want 2", got)
	}
	if got := counterValue(t, m, "http_errors_total", map[string]string{"route": "/boom"}); got != 1 {
		t.Fatalf("5xx = %v, want 1", got)
	}
	// raw paths never become label values
	if s := findMetric(t, m, "http_requests_total", map[string]string{"route": "/items/1"}); s != nil {
		t.Fatal("raw path used as route label")
	}
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/random/123", nil))

	if got := counterValue(t, m, "http_requests_total", map[string]string{"route": unmatchedRoute, "status": "404"}); got != 1 {
		t.Fatalf("unmatched = %v, want 1", got)
	}
}

func TestHandler_ServesExposition(t *testing.T) {
	m := New()
	m.ObserveDecision(limiter.Decision{Allowed: true}, 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ratelimit_decisions_total") {
		t.Fatal("exposition missing ratelimit_decisions_total")
	}
}
