package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TrackerCollector bundles Prometheus metrics for the telemetry tracker and
// provides an HTTP handler to expose them.
type TrackerCollector struct {
	gatherer prometheus.Gatherer

	Transitions     *prometheus.CounterVec
	SamplesRejected *prometheus.CounterVec
	CacheRequests   *prometheus.CounterVec
	CacheEvictions  *prometheus.CounterVec
	FetchFailures   *prometheus.CounterVec

	TrackPoints      prometheus.Gauge
	ArbitrationState prometheus.Gauge
	TelemetryAge     *prometheus.GaugeVec
}

// NewTrackerCollector registers tracker Prometheus metrics against the
// provided registerer, defaulting to the global Prometheus registry when nil.
func NewTrackerCollector(reg prometheus.Registerer) (*TrackerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_state_transitions_total",
		Help: "Realized arbitration state transitions, labeled by from and to state.",
	}, []string{"from", "to"})
	transitions, err := registerCounterVec(reg, transitions, "tracker_state_transitions_total")
	if err != nil {
		return nil, err
	}

	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_samples_rejected_total",
		Help: "Telemetry samples rejected at ingestion, labeled by source and reason.",
	}, []string{"source", "reason"})
	rejected, err = registerCounterVec(reg, rejected, "tracker_samples_rejected_total")
	if err != nil {
		return nil, err
	}

	cacheRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_cache_requests_total",
		Help: "Result cache lookups, labeled by cache name and hit/miss outcome.",
	}, []string{"cache", "outcome"})
	cacheRequests, err = registerCounterVec(reg, cacheRequests, "tracker_cache_requests_total")
	if err != nil {
		return nil, err
	}

	cacheEvictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_cache_evictions_total",
		Help: "Capacity-driven LRU evictions, labeled by cache name.",
	}, []string{"cache"})
	cacheEvictions, err = registerCounterVec(reg, cacheEvictions, "tracker_cache_evictions_total")
	if err != nil {
		return nil, err
	}

	fetchFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_fetch_failures_total",
		Help: "Failed network attempts against external services, labeled by service.",
	}, []string{"service"})
	fetchFailures, err = registerCounterVec(reg, fetchFailures, "tracker_fetch_failures_total")
	if err != nil {
		return nil, err
	}

	trackPoints, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_track_points",
		Help: "Number of points in the active balloon's track.",
	}), "tracker_track_points")
	if err != nil {
		return nil, err
	}
	arbState, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_arbitration_state",
		Help: "Numeric index of the current arbitration state.",
	}), "tracker_arbitration_state")
	if err != nil {
		return nil, err
	}

	telemetryAge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tracker_telemetry_age_seconds",
		Help: "Seconds since the last accepted sample, labeled by source.",
	}, []string{"source"})
	telemetryAge, err = registerGaugeVec(reg, telemetryAge, "tracker_telemetry_age_seconds")
	if err != nil {
		return nil, err
	}

	return &TrackerCollector{
		gatherer:         gatherer,
		Transitions:      transitions,
		SamplesRejected:  rejected,
		CacheRequests:    cacheRequests,
		CacheEvictions:   cacheEvictions,
		FetchFailures:    fetchFailures,
		TrackPoints:      trackPoints,
		ArbitrationState: arbState,
		TelemetryAge:     telemetryAge,
	}, nil
}

// Handler exposes the collector's metrics over HTTP.
func (c *TrackerCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveTransition records one realized state transition.
func (c *TrackerCollector) ObserveTransition(from, to string, stateIndex int) {
	if c == nil {
		return
	}
	if c.Transitions != nil {
		c.Transitions.WithLabelValues(from, to).Inc()
	}
	if c.ArbitrationState != nil {
		c.ArbitrationState.Set(float64(stateIndex))
	}
}

// RejectSample counts a sample dropped at ingestion.
func (c *TrackerCollector) RejectSample(source, reason string) {
	if c == nil || c.SamplesRejected == nil {
		return
	}
	c.SamplesRejected.WithLabelValues(source, reason).Inc()
}

// CacheHit / CacheMiss / CacheEviction satisfy the cache package's Observer
// interface so the result caches can drive counters directly.
func (c *TrackerCollector) CacheHit(cache string) {
	if c == nil || c.CacheRequests == nil {
		return
	}
	c.CacheRequests.WithLabelValues(cache, "hit").Inc()
}

func (c *TrackerCollector) CacheMiss(cache string) {
	if c == nil || c.CacheRequests == nil {
		return
	}
	c.CacheRequests.WithLabelValues(cache, "miss").Inc()
}

func (c *TrackerCollector) CacheEviction(cache string) {
	if c == nil || c.CacheEvictions == nil {
		return
	}
	c.CacheEvictions.WithLabelValues(cache).Inc()
}

// FetchFailed counts a failed prediction/routing/gap-fill network attempt.
func (c *TrackerCollector) FetchFailed(service string) {
	if c == nil || c.FetchFailures == nil {
		return
	}
	c.FetchFailures.WithLabelValues(service).Inc()
}

// SetTrackerGauges updates the snapshot gauges in one call, driven by the
// coordinator on every tick.
func (c *TrackerCollector) SetTrackerGauges(trackPoints int, primaryAge, fallbackAge float64) {
	if c == nil {
		return
	}
	if c.TrackPoints != nil {
		c.TrackPoints.Set(float64(trackPoints))
	}
	if c.TelemetryAge != nil {
		c.TelemetryAge.WithLabelValues("primary").Set(primaryAge)
		c.TelemetryAge.WithLabelValues("fallback").Set(fallbackAge)
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
