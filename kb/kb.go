package kb

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/sonde-tracker/internal/logging"
	"github.com/signalsfoundry/sonde-tracker/model"
)

// EventType indicates what kind of change happened in the flight book.
type EventType int

const (
	EventTrackReset EventType = iota
	EventPointAppended
	EventLandingRecorded
)

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type    EventType
	SondeID string
	Point   model.TrackPoint
	Landing model.LandingPoint
}

// Persister stores snapshots of track and landing data keyed by sonde
// identity. The file-backed implementation lives in internal/persist;
// tests substitute fakes.
type Persister interface {
	SaveTrack(sondeID string, track model.Track) error
	SaveLandingHistory(sondeID string, history []model.LandingPoint) error
	LoadLandingHistory(sondeID string) ([]model.LandingPoint, bool, error)
}

const (
	// defaultPersistEvery snapshots the track on every Nth appended point.
	defaultPersistEvery = 10

	// landingDedupMeters is the radius within which a new prediction-sourced
	// landing point overwrites the previous history entry instead of
	// appending, so jitter does not bloat the history.
	landingDedupMeters = 25.0

	// gapFillTolerance treats backfilled points within this distance in time
	// of an existing point as duplicates.
	gapFillTolerance = time.Second
)

// Config controls FlightBook behaviour.
type Config struct {
	Persister    Persister
	PersistEvery int
	Logger       logging.Logger
}

// FlightBook is the in-memory, thread-safe store for the active balloon's
// flight: its track, landing history, and latest radio channel data. The
// track is append-only and keyed by the tracked sonde identity; switching
// identity clears it. Snapshots go to the Persister every Nth point and at
// identity switch.
type FlightBook struct {
	mu sync.RWMutex

	sondeID      string
	track        model.Track
	history      []model.LandingPoint
	radio        map[model.TelemetrySource]model.RadioChannelSample
	sincePersist int

	persister    Persister
	persistEvery int
	log          logging.Logger

	subs []func(Event)
}

// NewFlightBook constructs an empty flight book.
func NewFlightBook(cfg Config) *FlightBook {
	if cfg.PersistEvery <= 0 {
		cfg.PersistEvery = defaultPersistEvery
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop()
	}
	return &FlightBook{
		radio:        make(map[model.TelemetrySource]model.RadioChannelSample),
		persister:    cfg.Persister,
		persistEvery: cfg.PersistEvery,
		log:          cfg.Logger,
	}
}

// TrackedID returns the identity of the balloon currently being tracked,
// empty before the first point arrives.
func (b *FlightBook) TrackedID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sondeID
}

// Append adds one point to the active track. A different sonde identity
// persists and clears the previous flight first; the track never mixes
// points from two balloons.
func (b *FlightBook) Append(sondeID string, tp model.TrackPoint) {
	b.mu.Lock()

	var events []Event
	if sondeID != b.sondeID {
		b.switchIdentityLocked(sondeID)
		events = append(events, Event{Type: EventTrackReset, SondeID: sondeID})
	}

	b.track = append(b.track, tp)
	b.sincePersist++
	if b.sincePersist >= b.persistEvery {
		b.persistTrackLocked()
	}
	events = append(events, Event{Type: EventPointAppended, SondeID: sondeID, Point: tp})

	subs := append([]func(Event){}, b.subs...)
	b.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, sub := range subs {
		for _, ev := range events {
			sub(ev)
		}
	}
}

// MergeHistorical folds gap-fill points from the fallback API's historical
// query into the track, skipping points already present (within one second)
// and keeping the track time-ordered. It returns how many points were added.
func (b *FlightBook) MergeHistorical(sondeID string, pts []model.TrackPoint) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sondeID != b.sondeID {
		return 0
	}

	added := 0
	for _, pt := range pts {
		if b.containsTimeLocked(pt.Timestamp) {
			continue
		}
		b.track = append(b.track, pt)
		added++
	}
	if added > 0 {
		sort.Slice(b.track, func(i, j int) bool {
			return b.track[i].Timestamp.Before(b.track[j].Timestamp)
		})
		b.persistTrackLocked()
	}
	return added
}

// Snapshot returns the tracked identity and a copy of the current track.
func (b *FlightBook) Snapshot() (string, model.Track) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	track := make(model.Track, len(b.track))
	copy(track, b.track)
	return b.sondeID, track
}

// TrackLen reports the current track length without copying.
func (b *FlightBook) TrackLen() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.track)
}

// RecordLandingPoint appends a landing point to the history and persists it
// immediately. Prediction-sourced points within the dedup radius of the
// previous entry overwrite it instead of appending.
func (b *FlightBook) RecordLandingPoint(lp model.LandingPoint) {
	b.mu.Lock()

	if lp.Source == model.LandingFromPrediction && len(b.history) > 0 &&
		b.history[len(b.history)-1].DistanceMeters(lp) < landingDedupMeters {
		b.history[len(b.history)-1] = lp
	} else {
		b.history = append(b.history, lp)
	}
	b.persistHistoryLocked()

	ev := Event{Type: EventLandingRecorded, SondeID: b.sondeID, Landing: lp}
	subs := append([]func(Event){}, b.subs...)
	b.mu.Unlock()

	for _, sub := range subs {
		sub(ev)
	}
}

// CurrentLandingPoint returns the most recent landing point, if any.
func (b *FlightBook) CurrentLandingPoint() (model.LandingPoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.history) == 0 {
		return model.LandingPoint{}, false
	}
	return b.history[len(b.history)-1], true
}

// LandingHistory returns a copy of the landing-point history.
func (b *FlightBook) LandingHistory() []model.LandingPoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	history := make([]model.LandingPoint, len(b.history))
	copy(history, b.history)
	return history
}

// SetRadioChannel stores the latest channel metadata per source, for
// frequency sync and display only.
func (b *FlightBook) SetRadioChannel(s model.RadioChannelSample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.radio[s.Source] = s
}

// RadioChannel returns the latest channel metadata from one source.
func (b *FlightBook) RadioChannel(src model.TelemetrySource) (model.RadioChannelSample, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.radio[src]
	return s, ok
}

// Subscribe registers a callback for flight book events. It returns an
// unsubscribe function.
func (b *FlightBook) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
	idx := len(b.subs) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < 0 || idx >= len(b.subs) {
			return
		}
		b.subs = append(b.subs[:idx], b.subs[idx+1:]...)
		idx = -1
	}
}

// switchIdentityLocked persists the finished flight and resets all per-flight
// state for the new identity, recovering any persisted landing history so the
// resolver's lowest tier works across restarts and balloon changes.
func (b *FlightBook) switchIdentityLocked(sondeID string) {
	if b.sondeID != "" {
		b.persistTrackLocked()
		b.persistHistoryLocked()
	}

	b.sondeID = sondeID
	b.track = b.track[:0]
	b.history = nil
	b.sincePersist = 0

	if b.persister != nil {
		history, ok, err := b.persister.LoadLandingHistory(sondeID)
		if err != nil {
			b.log.Warn(context.Background(), "failed to load landing history",
				logging.String("sonde_id", sondeID), logging.Err(err))
		} else if ok {
			b.history = history
		}
	}
}

func (b *FlightBook) persistTrackLocked() {
	b.sincePersist = 0
	if b.persister == nil || b.sondeID == "" {
		return
	}
	track := make(model.Track, len(b.track))
	copy(track, b.track)
	if err := b.persister.SaveTrack(b.sondeID, track); err != nil {
		b.log.Warn(context.Background(), "failed to persist track",
			logging.String("sonde_id", b.sondeID), logging.Err(err))
	}
}

func (b *FlightBook) persistHistoryLocked() {
	if b.persister == nil || b.sondeID == "" {
		return
	}
	history := make([]model.LandingPoint, len(b.history))
	copy(history, b.history)
	if err := b.persister.SaveLandingHistory(b.sondeID, history); err != nil {
		b.log.Warn(context.Background(), "failed to persist landing history",
			logging.String("sonde_id", b.sondeID), logging.Err(err))
	}
}

func (b *FlightBook) containsTimeLocked(ts time.Time) bool {
	for _, existing := range b.track {
		d := existing.Timestamp.Sub(ts)
		if d < 0 {
			d = -d
		}
		if d <= gapFillTolerance {
			return true
		}
	}
	return false
}
