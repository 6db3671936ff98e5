package main

import (
	"context"
	"flag"
	"math"
	"net/http"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/sonde-tracker/core"
	"github.com/signalsfoundry/sonde-tracker/internal/cache"
	"github.com/signalsfoundry/sonde-tracker/internal/feed"
	"github.com/signalsfoundry/sonde-tracker/internal/logging"
	"github.com/signalsfoundry/sonde-tracker/internal/observability"
	"github.com/signalsfoundry/sonde-tracker/internal/persist"
	"github.com/signalsfoundry/sonde-tracker/kb"
	"github.com/signalsfoundry/sonde-tracker/model"
)

func main() {
	metricsAddr := flag.String("metrics-addr", ":9090", "HTTP address for Prometheus /metrics")
	snapshotDir := flag.String("snapshot-dir", "snapshots", "directory for track and landing-history snapshots")
	tick := flag.Duration("tick", time.Second, "coordinator evaluation interval")
	descentRate := flag.Float64("default-descent-rate", -5.0, "descent rate in m/s used above 10 km")
	transportMode := flag.String("transport-mode", "drive", "routing transport mode")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewTrackerCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		os.Exit(1)
	}
	metricsSrv := serveMetrics(*metricsAddr, collector, log)

	store, err := persist.NewStore(*snapshotDir)
	if err != nil {
		log.Error(ctx, "failed to open snapshot store", logging.Err(err))
		os.Exit(1)
	}

	book := kb.NewFlightBook(kb.Config{Persister: store, Logger: log})
	flight := newSyntheticFlight("V2830251")

	predictor := core.NewCachedPredictor(
		flight,
		cache.New[core.Prediction]("prediction", cache.Config{Observer: collector}),
		collector,
	)
	router := core.NewCachedRouter(
		straightLineRouter{},
		cache.New[core.Route]("routing", cache.Config{Observer: collector}),
		collector,
	)

	coordinator := core.NewCoordinator(core.CoordinatorConfig{
		Book:          book,
		Predictor:     predictor,
		Router:        router,
		GapFiller:     flight,
		Logger:        log,
		Metrics:       collector,
		Motion:        core.MotionConfig{DefaultDescentRate: *descentRate},
		TickInterval:  *tick,
		TransportMode: *transportMode,
	})

	poller := feed.NewPoller(feed.Config{
		Fetcher:  flight,
		Sink:     coordinator,
		Logger:   log,
		Observer: collector,
	})
	coordinator.SetPoller(poller)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return coordinator.Run(gctx) })
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return flight.Run(gctx, coordinator) })
	g.Go(func() error { return reportStatus(gctx, coordinator, log) })

	coordinator.MarkStartupComplete()
	log.Info(ctx, "tracker started",
		logging.String("metrics_addr", *metricsAddr),
		logging.String("snapshot_dir", *snapshotDir))

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error(ctx, "tracker exited", logging.Err(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}

func reportStatus(ctx context.Context, c *core.Coordinator, log logging.Logger) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		state, _ := c.State()
		h, v := c.Speeds()
		fields := []logging.Field{
			logging.String("state", state.String()),
			logging.String("phase", c.Phase().String()),
			logging.Float("h_speed", h),
			logging.Float("v_speed", v),
		}
		if pos, ok := c.CurrentPosition(); ok {
			fields = append(fields,
				logging.Float("lat", pos.Lat),
				logging.Float("lon", pos.Lon),
				logging.Float("altitude", pos.Altitude))
		}
		if lp, ok := c.LandingPoint(); ok {
			fields = append(fields, logging.String("landing", lp.String()))
		}
		log.Info(ctx, "tracker status", fields...)
	}
}

func serveMetrics(addr string, collector *observability.TrackerCollector, log logging.Logger) *http.Server {
	if collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

// syntheticFlight synthesizes a descending balloon so the daemon has
// something to track without real radio or API feeds. It plays the primary
// feed directly into the coordinator and doubles as the fallback fetcher,
// gap filler, and predictor.
type syntheticFlight struct {
	sondeID string
	start   time.Time
}

func newSyntheticFlight(sondeID string) *syntheticFlight {
	return &syntheticFlight{sondeID: sondeID, start: time.Now()}
}

func (f *syntheticFlight) at(t time.Time) model.PositionSample {
	elapsed := t.Sub(f.start).Seconds()
	altitude := 12000 - 6*elapsed
	vspeed := -6.0
	if altitude < 350 {
		altitude = 350
		vspeed = 0
	}
	return model.PositionSample{
		SondeID:         f.sondeID,
		Lat:             47.05 + 0.0004*elapsed,
		Lon:             15.43 + 0.0002*elapsed + 0.002*math.Sin(elapsed/40),
		Altitude:        altitude,
		VerticalSpeed:   vspeed,
		HorizontalSpeed: 9.5,
		Timestamp:       t,
		Source:          model.SourcePrimary,
	}
}

// Run pushes primary samples every two seconds.
func (f *syntheticFlight) Run(ctx context.Context, sink feed.Sink) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			sink.ConsumePosition(f.at(now))
		}
	}
}

// FetchLatest plays the same flight as the fallback feed, slightly delayed.
func (f *syntheticFlight) FetchLatest(context.Context) ([]model.PositionSample, []model.RadioChannelSample, error) {
	s := f.at(time.Now().Add(-15 * time.Second))
	s.Source = model.SourceFallback
	return []model.PositionSample{s}, []model.RadioChannelSample{{
		SondeID:      f.sondeID,
		FrequencyMHz: 403.5,
		Timestamp:    s.Timestamp,
		Source:       model.SourceFallback,
	}}, nil
}

// FetchRange backfills the synthetic trajectory at a 10 s cadence.
func (f *syntheticFlight) FetchRange(_ context.Context, sondeID string, from, to time.Time) ([]model.TrackPoint, error) {
	if sondeID != f.sondeID {
		return nil, nil
	}
	var pts []model.TrackPoint
	for t := from; !t.After(to); t = t.Add(10 * time.Second) {
		pts = append(pts, model.TrackPointFromSample(f.at(t)))
	}
	return pts, nil
}

// Predict dead-reckons the landing from the current descent.
func (f *syntheticFlight) Predict(_ context.Context, req core.PredictionRequest) (core.Prediction, error) {
	rate := req.DescentRate
	if rate >= 0 {
		rate = -5
	}
	secondsToGround := (req.Altitude - 350) / -rate
	return core.Prediction{
		Landing: model.LandingPoint{
			Lat: req.Lat + 0.0004*secondsToGround,
			Lon: req.Lon + 0.0002*secondsToGround,
		},
		LandingTime: req.At.Add(time.Duration(secondsToGround) * time.Second),
		ComputedAt:  time.Now(),
	}, nil
}

// straightLineRouter approximates the drive as the crow flies at 60 km/h.
type straightLineRouter struct{}

func (straightLineRouter) Route(_ context.Context, req core.RouteRequest) (core.Route, error) {
	origin := model.LandingPoint{Lat: req.OriginLat, Lon: req.OriginLon}
	dest := model.LandingPoint{Lat: req.DestLat, Lon: req.DestLon}
	meters := origin.DistanceMeters(dest)
	return core.Route{
		Points:         []core.RoutePoint{{Lat: req.OriginLat, Lon: req.OriginLon}, {Lat: req.DestLat, Lon: req.DestLon}},
		DistanceMeters: meters,
		ETA:            time.Duration(meters/16.7) * time.Second,
	}, nil
}
