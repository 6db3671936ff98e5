package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalsfoundry/sonde-tracker/internal/cache"
	"github.com/signalsfoundry/sonde-tracker/model"
)

type fakePredictor struct {
	mu     sync.Mutex
	calls  int
	err    error
	result Prediction
	block  chan struct{} // when set, Predict waits until closed
}

func (f *fakePredictor) Predict(context.Context, PredictionRequest) (Prediction, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if f.err != nil {
		return Prediction{}, f.err
	}
	return f.result, nil
}

func (f *fakePredictor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func predictionReq(at time.Time) PredictionRequest {
	return PredictionRequest{SondeID: "V1", Lat: 47.21, Lon: 15.62, Altitude: 8000, DescentRate: -5, At: at}
}

func TestCachedPredictorHitsOnNearDuplicates(t *testing.T) {
	inner := &fakePredictor{result: Prediction{Landing: model.LandingPoint{Lat: 48, Lon: 16}}}
	p := NewCachedPredictor(inner, cache.New[Prediction]("prediction", cache.Config{}), nil)

	at := time.Unix(1_770_000_000, 0)
	if _, err := p.Predict(context.Background(), predictionReq(at)); err != nil {
		t.Fatalf("first predict: %v", err)
	}

	// Slightly moved, same quantization buckets: served from cache.
	req := predictionReq(at.Add(time.Minute))
	req.Lat += 0.003
	req.Altitude += 40
	got, err := p.Predict(context.Background(), req)
	if err != nil {
		t.Fatalf("second predict: %v", err)
	}
	if got.Landing.Lat != 48 {
		t.Fatalf("cached prediction = %+v", got)
	}
	if inner.callCount() != 1 {
		t.Fatalf("upstream called %d times, want 1", inner.callCount())
	}
}

func TestCachedPredictorCollapsesConcurrentMisses(t *testing.T) {
	block := make(chan struct{})
	inner := &fakePredictor{result: Prediction{Landing: model.LandingPoint{Lat: 48}}, block: block}
	p := NewCachedPredictor(inner, cache.New[Prediction]("prediction", cache.Config{}), nil)

	at := time.Unix(1_770_000_000, 0)
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Predict(context.Background(), predictionReq(at)); err != nil {
				failures.Add(1)
			}
		}()
	}

	// Give the goroutines time to pile onto the same key, then release.
	time.Sleep(50 * time.Millisecond)
	close(block)
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d concurrent predicts failed", failures.Load())
	}
	if inner.callCount() != 1 {
		t.Fatalf("upstream called %d times for one key, want 1", inner.callCount())
	}
}

func TestCachedPredictorCountsFailures(t *testing.T) {
	inner := &fakePredictor{err: errors.New("upstream down")}
	counter := &failureCounterCore{}
	p := NewCachedPredictor(inner, cache.New[Prediction]("prediction", cache.Config{}), counter)

	if _, err := p.Predict(context.Background(), predictionReq(time.Unix(1_770_000_000, 0))); err == nil {
		t.Fatal("expected error")
	}
	if counter.services["prediction"] != 1 {
		t.Fatalf("failure counter = %+v", counter.services)
	}
}

type failureCounterCore struct {
	mu       sync.Mutex
	services map[string]int
}

func (f *failureCounterCore) FetchFailed(service string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.services == nil {
		f.services = make(map[string]int)
	}
	f.services[service]++
}

type fakeRouter struct {
	calls int
	route Route
	err   error
}

func (f *fakeRouter) Route(context.Context, RouteRequest) (Route, error) {
	f.calls++
	if f.err != nil {
		return Route{}, f.err
	}
	return f.route, nil
}

func TestCachedRouterCachesByQuantizedKey(t *testing.T) {
	inner := &fakeRouter{route: Route{DistanceMeters: 12000, ETA: 18 * time.Minute}}
	r := NewCachedRouter(inner, cache.New[Route]("routing", cache.Config{}), nil)

	req := RouteRequest{OriginLat: 47.21, OriginLon: 15.62, DestLat: 47.90, DestLon: 15.00, Mode: "drive"}
	if _, err := r.Route(context.Background(), req); err != nil {
		t.Fatalf("first route: %v", err)
	}

	near := req
	near.OriginLat += 0.002
	got, err := r.Route(context.Background(), near)
	if err != nil {
		t.Fatalf("second route: %v", err)
	}
	if got.DistanceMeters != 12000 || inner.calls != 1 {
		t.Fatalf("route = %+v after %d upstream calls", got, inner.calls)
	}

	// A different transport mode is a different key.
	walk := req
	walk.Mode = "walk"
	if _, err := r.Route(context.Background(), walk); err != nil {
		t.Fatalf("walk route: %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("upstream calls = %d, want 2", inner.calls)
	}
}

func TestCachedRouterCountsFailures(t *testing.T) {
	inner := &fakeRouter{err: errors.New("no route")}
	counter := &failureCounterCore{}
	r := NewCachedRouter(inner, cache.New[Route]("routing", cache.Config{}), counter)

	if _, err := r.Route(context.Background(), RouteRequest{Mode: "drive"}); err == nil {
		t.Fatal("expected error")
	}
	if counter.services["routing"] != 1 {
		t.Fatalf("failure counter = %+v", counter.services)
	}
}
