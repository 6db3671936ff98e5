package core

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/sonde-tracker/internal/feed"
	"github.com/signalsfoundry/sonde-tracker/internal/logging"
	"github.com/signalsfoundry/sonde-tracker/internal/observability"
	"github.com/signalsfoundry/sonde-tracker/kb"
	"github.com/signalsfoundry/sonde-tracker/model"
	"github.com/signalsfoundry/sonde-tracker/timectrl"
)

const (
	defaultPrimaryStaleAfter  = 10 * time.Second
	defaultFallbackStaleAfter = 180 * time.Second
	defaultTickInterval       = time.Second
	defaultTransportMode      = "drive"

	predictTimeout = 30 * time.Second
)

// PollerControl is the arbitration side effect surface of the fallback
// poller.
type PollerControl interface {
	SetEnabled(bool)
}

// CoordinatorConfig wires a Coordinator. Book is required; everything else
// has a working default or is optional.
type CoordinatorConfig struct {
	Book      *kb.FlightBook
	Predictor Predictor
	Router    Router
	Poller    PollerControl
	GapFiller feed.GapFiller

	Clock   timectrl.Clock
	Logger  logging.Logger
	Metrics *observability.TrackerCollector

	Motion             MotionConfig
	PrimaryStaleAfter  time.Duration
	FallbackStaleAfter time.Duration
	TickInterval       time.Duration
	TransportMode      string
}

// Coordinator is the single owner of the arbitration machine, the motion
// pipeline, and the resolver. It consumes both feeds in arrival order,
// evaluates the state machine on every sample and on a periodic tick, and
// executes the resulting side effects. All other components read snapshots
// through its accessors.
type Coordinator struct {
	book      *kb.FlightBook
	machine   *Machine
	detector  *Detector
	resolver  *Resolver
	predictor Predictor
	router    Router
	poller    PollerControl
	gapFiller feed.GapFiller

	clock   timectrl.Clock
	log     logging.Logger
	metrics *observability.TrackerCollector

	primaryStaleAfter  time.Duration
	fallbackStaleAfter time.Duration
	tickInterval       time.Duration
	transportMode      string

	mu              sync.Mutex
	motion          *MotionPipeline
	lastPrimary     model.PositionSample
	lastFallback    model.PositionSample
	current         model.PositionSample
	phase           model.FlightPhase
	prediction      *model.LandingPoint
	manual          *model.LandingPoint
	startupComplete bool
}

// NewCoordinator builds a coordinator in the Startup state.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = timectrl.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop()
	}
	if cfg.PrimaryStaleAfter <= 0 {
		cfg.PrimaryStaleAfter = defaultPrimaryStaleAfter
	}
	if cfg.FallbackStaleAfter <= 0 {
		cfg.FallbackStaleAfter = defaultFallbackStaleAfter
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.TransportMode == "" {
		cfg.TransportMode = defaultTransportMode
	}

	return &Coordinator{
		book: cfg.Book,
		machine: NewMachine(MachineConfig{
			Clock:    cfg.Clock,
			Logger:   cfg.Logger,
			Observer: cfg.Metrics,
		}),
		detector:           NewDetector(cfg.Clock),
		resolver:           NewResolver(cfg.Book),
		predictor:          cfg.Predictor,
		router:             cfg.Router,
		poller:             cfg.Poller,
		gapFiller:          cfg.GapFiller,
		clock:              cfg.Clock,
		log:                cfg.Logger,
		metrics:            cfg.Metrics,
		primaryStaleAfter:  cfg.PrimaryStaleAfter,
		fallbackStaleAfter: cfg.FallbackStaleAfter,
		tickInterval:       cfg.TickInterval,
		transportMode:      cfg.TransportMode,
		motion:             NewMotionPipeline(cfg.Motion),
	}
}

// SetPoller installs the fallback poller control after construction. The
// poller consumes into the coordinator, so the two are built in sequence and
// closed into a loop here.
func (c *Coordinator) SetPoller(p PollerControl) {
	c.mu.Lock()
	c.poller = p
	c.mu.Unlock()
}

// MarkStartupComplete releases the machine from Startup. Feeds observed
// before this point still count toward freshness.
func (c *Coordinator) MarkStartupComplete() {
	c.mu.Lock()
	c.startupComplete = true
	c.mu.Unlock()
	c.Tick()
}

// ConsumePosition ingests one position sample from either feed. Malformed
// samples are counted and dropped; they are indistinguishable from "no sample
// this tick" downstream.
func (c *Coordinator) ConsumePosition(s model.PositionSample) {
	if err := s.Validate(); err != nil {
		c.metrics.RejectSample(s.Source.String(), "invalid")
		c.log.Debug(context.Background(), "rejected position sample",
			logging.String("source", s.Source.String()), logging.Err(err))
		return
	}

	c.mu.Lock()
	switch s.Source {
	case model.SourcePrimary:
		c.lastPrimary = s
	case model.SourceFallback:
		c.lastFallback = s
	}
	c.mu.Unlock()

	c.Tick()
}

// ConsumeRadioChannel ingests channel metadata for frequency sync/display.
func (c *Coordinator) ConsumeRadioChannel(s model.RadioChannelSample) {
	if err := s.Validate(); err != nil {
		c.metrics.RejectSample(s.Source.String(), "invalid")
		return
	}
	c.book.SetRadioChannel(s)
}

// Tick evaluates freshness, phase, and the state machine, then executes the
// resulting effects. Driven by sample arrival and by the periodic timer.
func (c *Coordinator) Tick() {
	c.mu.Lock()
	now := c.clock.Now()
	primaryFresh := c.freshLocked(c.lastPrimary, now, c.primaryStaleAfter)
	fallbackFresh := c.freshLocked(c.lastFallback, now, c.fallbackStaleAfter)

	// Candidate arbitrated sample, primary priority. When both feeds are
	// stale the last adopted sample still anchors phase classification.
	latest := c.current
	switch {
	case primaryFresh:
		latest = c.lastPrimary
	case fallbackFresh:
		latest = c.lastFallback
	}

	trackedID, track := c.book.Snapshot()
	c.phase = c.detector.Phase(track, latest, primaryFresh)

	state, effects := c.machine.Step(Inputs{
		PrimaryFresh:    primaryFresh,
		FallbackFresh:   fallbackFresh,
		Phase:           c.phase,
		PrimaryID:       c.lastPrimary.SondeID,
		TrackedID:       trackedID,
		StartupComplete: c.startupComplete,
	})

	// Adopt the active source's sample if it is new.
	var adopted model.PositionSample
	switch {
	case state.Primary() && primaryFresh:
		adopted = c.lastPrimary
	case (state == StateFallbackFlying || state == StateFallbackLanded) && fallbackFresh:
		adopted = c.lastFallback
	}
	appended := false
	if !adopted.Timestamp.IsZero() && !c.sameAsCurrentLocked(adopted) {
		if adopted.SondeID != trackedID {
			c.motion.Reset()
		}
		c.motion.Observe(adopted)
		c.current = adopted
		appended = true
	}

	phase := c.phase
	current := c.current
	prediction := c.prediction
	manual := c.manual
	poller := c.poller
	c.mu.Unlock()

	if appended {
		c.book.Append(adopted.SondeID, model.TrackPointFromSample(adopted))
		_, track = c.book.Snapshot()
		c.mu.Lock()
		c.motion.UpdateDescentRate(track)
		c.mu.Unlock()
	}

	if poller != nil {
		poller.SetEnabled(effects.FallbackPollingEnabled)
	}
	if effects.UpdateLandingPoint {
		c.resolver.Resolve(ResolveInputs{
			Phase:      phase,
			Current:    current,
			Prediction: prediction,
			Manual:     manual,
		})
	}
	if effects.RefreshPrediction && c.predictor != nil {
		go c.refreshPrediction()
	}

	c.metrics.SetTrackerGauges(len(track),
		ageSeconds(c.lastPrimarySnapshot().Timestamp, now),
		ageSeconds(c.lastFallbackSnapshot().Timestamp, now))
}

// Run drives periodic evaluation until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	tc := timectrl.NewTimeController(c.tickInterval)
	tc.AddListener(func(time.Time) { c.Tick() })
	return tc.Run(ctx)
}

// RefreshPrediction recomputes the landing prediction from the current
// position and descent rate, going through the prediction cache.
func (c *Coordinator) RefreshPrediction(ctx context.Context) error {
	if c.predictor == nil {
		return nil
	}
	c.mu.Lock()
	current := c.current
	rate := c.motion.DescentRate(current.Altitude)
	c.mu.Unlock()
	if current.Timestamp.IsZero() {
		return nil
	}

	pred, err := c.predictor.Predict(ctx, PredictionRequest{
		SondeID:     current.SondeID,
		Lat:         current.Lat,
		Lon:         current.Lon,
		Altitude:    current.Altitude,
		DescentRate: rate,
		At:          c.clock.Now(),
	})
	if err != nil {
		return err
	}

	lp := pred.Landing
	lp.Source = model.LandingFromPrediction
	if lp.Timestamp.IsZero() {
		lp.Timestamp = c.clock.Now()
	}

	c.mu.Lock()
	c.prediction = &lp
	phase := c.phase
	current = c.current
	manual := c.manual
	c.mu.Unlock()

	c.resolver.Resolve(ResolveInputs{
		Phase:      phase,
		Current:    current,
		Prediction: &lp,
		Manual:     manual,
	})
	return nil
}

func (c *Coordinator) refreshPrediction() {
	ctx, cancel := context.WithTimeout(context.Background(), predictTimeout)
	defer cancel()
	if err := c.RefreshPrediction(ctx); err != nil {
		c.log.Warn(ctx, "prediction refresh failed", logging.Err(err))
	}
}

// RouteToLanding computes a route from the current position to the resolved
// landing point, going through the routing cache.
func (c *Coordinator) RouteToLanding(ctx context.Context) (Route, bool, error) {
	if c.router == nil {
		return Route{}, false, nil
	}
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()

	dest, ok := c.book.CurrentLandingPoint()
	if !ok || current.Timestamp.IsZero() {
		return Route{}, false, nil
	}

	route, err := c.router.Route(ctx, RouteRequest{
		OriginLat: current.Lat,
		OriginLon: current.Lon,
		DestLat:   dest.Lat,
		DestLon:   dest.Lon,
		Mode:      c.transportMode,
	})
	if err != nil {
		return Route{}, false, err
	}
	return route, true, nil
}

// BackfillTrack queries the fallback API's historical endpoint for the given
// window and merges any points the local track is missing.
func (c *Coordinator) BackfillTrack(ctx context.Context, window time.Duration) (int, error) {
	if c.gapFiller == nil {
		return 0, nil
	}
	trackedID, _ := c.book.Snapshot()
	if trackedID == "" {
		return 0, nil
	}

	ctx, span := observability.Tracer().Start(ctx, "feed.gapfill")
	defer span.End()
	span.SetAttributes(
		attribute.String("sonde.id", trackedID),
		attribute.Float64("window.seconds", window.Seconds()),
	)

	now := c.clock.Now()
	pts, err := c.gapFiller.FetchRange(ctx, trackedID, now.Add(-window), now)
	if err != nil {
		c.metrics.FetchFailed("gapfill")
		span.RecordError(err)
		span.SetStatus(codes.Error, "gap fill failed")
		return 0, err
	}

	added := c.book.MergeHistorical(trackedID, pts)
	span.SetAttributes(attribute.Int("points.added", added))
	if added > 0 {
		c.log.Info(ctx, "backfilled track",
			logging.String("sonde_id", trackedID), logging.Int("points", added))
	}
	return added, nil
}

// SetManualOverride installs (or clears, with nil) a manually entered landing
// coordinate and re-resolves immediately.
func (c *Coordinator) SetManualOverride(lp *model.LandingPoint) {
	c.mu.Lock()
	if lp != nil {
		v := *lp
		v.Source = model.LandingFromManualOverride
		if v.Timestamp.IsZero() {
			v.Timestamp = c.clock.Now()
		}
		c.manual = &v
	} else {
		c.manual = nil
	}
	phase := c.phase
	current := c.current
	prediction := c.prediction
	manual := c.manual
	c.mu.Unlock()

	c.resolver.Resolve(ResolveInputs{
		Phase:      phase,
		Current:    current,
		Prediction: prediction,
		Manual:     manual,
	})
}

// State returns the arbitration state and when it was entered.
func (c *Coordinator) State() (DataState, time.Time) { return c.machine.State() }

// Phase returns the current flight phase.
func (c *Coordinator) Phase() model.FlightPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// CurrentPosition returns the latest arbitrated sample; ok is false before
// any source has produced one.
func (c *Coordinator) CurrentPosition() (model.PositionSample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, !c.current.Timestamp.IsZero()
}

// Speeds returns the smoothed horizontal and vertical speeds in m/s.
func (c *Coordinator) Speeds() (horizontal, vertical float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.motion.HorizontalSpeed(), c.motion.VerticalSpeed()
}

// DescentRate returns the signed descent rate the predictor should use at the
// current altitude.
func (c *Coordinator) DescentRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.motion.DescentRate(c.current.Altitude)
}

// LandingPoint returns the currently resolved landing point, if any.
func (c *Coordinator) LandingPoint() (model.LandingPoint, bool) {
	return c.book.CurrentLandingPoint()
}

// Transitions exposes the recent transition log for diagnostics.
func (c *Coordinator) Transitions() []TransitionRecord {
	return c.machine.Transitions()
}

func (c *Coordinator) freshLocked(s model.PositionSample, now time.Time, staleAfter time.Duration) bool {
	if s.Timestamp.IsZero() {
		return false
	}
	received := s.APIReceivedAt
	if received.IsZero() {
		received = s.Timestamp
	}
	return now.Sub(received) <= staleAfter
}

func (c *Coordinator) sameAsCurrentLocked(s model.PositionSample) bool {
	return s.SondeID == c.current.SondeID &&
		s.Source == c.current.Source &&
		s.Timestamp.Equal(c.current.Timestamp)
}

func (c *Coordinator) lastPrimarySnapshot() model.PositionSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPrimary
}

func (c *Coordinator) lastFallbackSnapshot() model.PositionSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFallback
}

func ageSeconds(t, now time.Time) float64 {
	if t.IsZero() {
		return -1
	}
	return now.Sub(t).Seconds()
}
