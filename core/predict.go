package core

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/signalsfoundry/sonde-tracker/internal/cache"
	"github.com/signalsfoundry/sonde-tracker/internal/observability"
	"github.com/signalsfoundry/sonde-tracker/model"
)

// FetchObserver counts failed outbound attempts, usually the metrics
// collector.
type FetchObserver interface {
	FetchFailed(service string)
}

// PredictionRequest describes one landing prediction query.
type PredictionRequest struct {
	SondeID     string
	Lat         float64
	Lon         float64
	Altitude    float64
	DescentRate float64 // signed m/s from the motion pipeline
	At          time.Time
}

// Prediction is the predictor's answer: where and when the balloon lands.
type Prediction struct {
	Landing     model.LandingPoint
	LandingTime time.Time
	ComputedAt  time.Time
}

// Predictor computes landing predictions; the network-backed implementation
// is an external collaborator.
type Predictor interface {
	Predict(ctx context.Context, req PredictionRequest) (Prediction, error)
}

// RouteRequest describes one routing query to the chase destination.
type RouteRequest struct {
	OriginLat float64
	OriginLon float64
	DestLat   float64
	DestLon   float64
	Mode      string // drive, walk, ...
}

// RoutePoint is one vertex of a route polyline.
type RoutePoint struct {
	Lat float64
	Lon float64
}

// Route is the routing backend's answer.
type Route struct {
	Points         []RoutePoint
	DistanceMeters float64
	ETA            time.Duration
}

// Router computes turn-by-turn routes; the backend is an external
// collaborator.
type Router interface {
	Route(ctx context.Context, req RouteRequest) (Route, error)
}

// CachedPredictor fronts a Predictor with the prediction result cache.
// Near-duplicate requests hit the cache via key quantization, concurrent
// misses on one key collapse into a single upstream call, and results from
// superseded requests are dropped via the cache's version tokens.
type CachedPredictor struct {
	inner    Predictor
	cache    *cache.Cache[Prediction]
	group    singleflight.Group
	observer FetchObserver
}

// NewCachedPredictor wires the predictor to its cache.
func NewCachedPredictor(inner Predictor, c *cache.Cache[Prediction], observer FetchObserver) *CachedPredictor {
	return &CachedPredictor{inner: inner, cache: c, observer: observer}
}

// Predict returns the cached prediction for a quantized request, or computes
// one. A failed attempt is counted and returned; the caller retries on its
// next tick, never immediately.
func (p *CachedPredictor) Predict(ctx context.Context, req PredictionRequest) (Prediction, error) {
	key := cache.PredictionKey(req.SondeID, req.Lat, req.Lon, req.Altitude, req.At)

	ctx, span := observability.Tracer().Start(ctx, "predict.landing")
	defer span.End()
	span.SetAttributes(
		attribute.String("sonde.id", req.SondeID),
		attribute.Float64("sonde.altitude", req.Altitude),
	)

	if cached, ok := p.cache.Get(key); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cached, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	version := p.cache.Reserve(key)
	v, err, _ := p.group.Do(key, func() (any, error) {
		return p.inner.Predict(ctx, req)
	})
	if err != nil {
		if p.observer != nil {
			p.observer.FetchFailed("prediction")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "prediction failed")
		return Prediction{}, fmt.Errorf("predict landing for %s: %w", req.SondeID, err)
	}

	pred := v.(Prediction)
	if !p.cache.Fulfill(key, version, pred) {
		// A newer request superseded this one while it was in flight; the
		// result is still valid for this caller, it just does not get cached.
		span.SetAttributes(attribute.Bool("cache.superseded", true))
	}
	return pred, nil
}

// CachedRouter fronts a Router with the routing result cache, with the same
// quantization, collapsing, and version discipline as the predictor.
type CachedRouter struct {
	inner    Router
	cache    *cache.Cache[Route]
	group    singleflight.Group
	observer FetchObserver
}

// NewCachedRouter wires the router to its cache.
func NewCachedRouter(inner Router, c *cache.Cache[Route], observer FetchObserver) *CachedRouter {
	return &CachedRouter{inner: inner, cache: c, observer: observer}
}

// Route returns the cached route for a quantized request, or computes one.
func (r *CachedRouter) Route(ctx context.Context, req RouteRequest) (Route, error) {
	key := cache.RoutingKey(req.OriginLat, req.OriginLon, req.DestLat, req.DestLon, req.Mode)

	ctx, span := observability.Tracer().Start(ctx, "route.compute")
	defer span.End()
	span.SetAttributes(attribute.String("route.mode", req.Mode))

	if cached, ok := r.cache.Get(key); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cached, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	version := r.cache.Reserve(key)
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.inner.Route(ctx, req)
	})
	if err != nil {
		if r.observer != nil {
			r.observer.FetchFailed("routing")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "routing failed")
		return Route{}, fmt.Errorf("route to landing point: %w", err)
	}

	route := v.(Route)
	if !r.cache.Fulfill(key, version, route) {
		span.SetAttributes(attribute.Bool("cache.superseded", true))
	}
	return route, nil
}
