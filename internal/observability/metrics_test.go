package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestCollectorRecordsTransitions(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewTrackerCollector(reg)
	if err != nil {
		t.Fatalf("NewTrackerCollector: %v", err)
	}

	collector.ObserveTransition("primary_flying", "awaiting_fallback", 3)
	collector.ObserveTransition("primary_flying", "awaiting_fallback", 3)

	if got := testutil.ToFloat64(collector.Transitions.WithLabelValues("primary_flying", "awaiting_fallback")); got != 2 {
		t.Fatalf("tracker_state_transitions_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.ArbitrationState); got != 3 {
		t.Fatalf("tracker_arbitration_state = %v, want 3", got)
	}
}

func TestCollectorCacheAndRejectionCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewTrackerCollector(reg)
	if err != nil {
		t.Fatalf("NewTrackerCollector: %v", err)
	}

	collector.CacheHit("prediction")
	collector.CacheMiss("prediction")
	collector.CacheMiss("routing")
	collector.CacheEviction("routing")
	collector.RejectSample("fallback", "invalid")
	collector.FetchFailed("prediction")

	if got := testutil.ToFloat64(collector.CacheRequests.WithLabelValues("prediction", "hit")); got != 1 {
		t.Fatalf("prediction hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.CacheRequests.WithLabelValues("routing", "miss")); got != 1 {
		t.Fatalf("routing misses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.CacheEvictions.WithLabelValues("routing")); got != 1 {
		t.Fatalf("routing evictions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.SamplesRejected.WithLabelValues("fallback", "invalid")); got != 1 {
		t.Fatalf("samples rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.FetchFailures.WithLabelValues("prediction")); got != 1 {
		t.Fatalf("fetch failures = %v, want 1", got)
	}
}

func TestMetricsHandlerExposesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewTrackerCollector(reg)
	if err != nil {
		t.Fatalf("NewTrackerCollector: %v", err)
	}
	collector.SetTrackerGauges(42, 1.5, 33.0)
	collector.Transitions.WithLabelValues("startup", "primary_flying").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"tracker_state_transitions_total",
		"tracker_track_points",
		"tracker_telemetry_age_seconds",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("/metrics body missing %s", metric)
		}
	}

	if got := gaugeValue(t, reg, "tracker_telemetry_age_seconds", map[string]string{"source": "fallback"}); got != 33.0 {
		t.Fatalf("fallback telemetry age = %v, want 33", got)
	}
}

func TestDoubleRegistrationReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewTrackerCollector(reg)
	if err != nil {
		t.Fatalf("first NewTrackerCollector: %v", err)
	}
	second, err := NewTrackerCollector(reg)
	if err != nil {
		t.Fatalf("second NewTrackerCollector: %v", err)
	}

	first.CacheHit("prediction")
	second.CacheHit("prediction")

	if got := testutil.ToFloat64(first.CacheRequests.WithLabelValues("prediction", "hit")); got != 2 {
		t.Fatalf("shared counter = %v, want 2", got)
	}
}

func gaugeValue(t *testing.T, reg prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("gauge %s%v not found", name, labels)
	return 0
}

func matchLabels(m *dto.Metric, labels map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range labels {
		if got[k] != v {
			return false
		}
	}
	return true
}
