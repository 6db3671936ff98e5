package core

import (
	"math"
	"time"

	"github.com/signalsfoundry/sonde-tracker/model"
	"github.com/signalsfoundry/sonde-tracker/timectrl"
)

const (
	// metersPerDegreeLat is the planar approximation used for the short
	// distances the landing check looks at; longitude is scaled by cos(lat).
	metersPerDegreeLat = 111320.0

	// landingNetSpeed is 3 km/h in m/s. A balloon whose net displacement over
	// the window is slower than this is not going anywhere.
	landingNetSpeed = 3.0 / 3.6

	// landingMaxAltitude rejects the landed classification at float altitudes,
	// where a balloon can drift slower than the net-speed threshold.
	landingMaxAltitude = 3000.0

	minLandingPoints  = 5
	landingWindowSize = 20

	// fallbackLandedAfter: the fallback network stops relaying a balloon once
	// it is on the ground and below receiver horizons, so old fallback data is
	// itself evidence of a landing.
	fallbackLandedAfter = 120 * time.Second
)

// NetSpeed computes the net 3-D displacement speed in m/s over a window of
// the most recent min(20, len) track points. ok is false when there are fewer
// than 5 points or the window spans zero wall-clock time.
func NetSpeed(track model.Track) (float64, bool) {
	if len(track) < minLandingPoints {
		return 0, false
	}
	window := track.Tail(landingWindowSize)
	first, last := window[0], window[len(window)-1]

	elapsed := last.Timestamp.Sub(first.Timestamp).Seconds()
	if elapsed <= 0 {
		return 0, false
	}

	latRad := first.Lat * math.Pi / 180
	dy := (last.Lat - first.Lat) * metersPerDegreeLat
	dx := (last.Lon - first.Lon) * metersPerDegreeLat * math.Cos(latRad)
	dz := last.Altitude - first.Altitude

	return math.Sqrt(dx*dx+dy*dy+dz*dz) / elapsed, true
}

// DisplacementLanded applies the windowed net-displacement check: landed iff
// the net speed is under 3 km/h and the window ends below 3000 m. A window
// that cannot be evaluated is never landed.
func DisplacementLanded(track model.Track) bool {
	speed, ok := NetSpeed(track)
	if !ok {
		return false
	}
	return speed < landingNetSpeed && track[len(track)-1].Altitude < landingMaxAltitude
}

// Detector classifies the flight phase from the track and the latest
// arbitrated sample.
type Detector struct {
	clock timectrl.Clock
}

// NewDetector uses the system clock when clock is nil.
func NewDetector(clock timectrl.Clock) *Detector {
	if clock == nil {
		clock = timectrl.SystemClock{}
	}
	return &Detector{clock: clock}
}

// Phase classifies the current flight phase. The displacement check is
// authoritative whenever live primary data exists; the age-based check only
// applies in fallback-only operation, where silence from the network is the
// landing signal.
func (d *Detector) Phase(track model.Track, latest model.PositionSample, primaryLive bool) model.FlightPhase {
	if latest.Timestamp.IsZero() {
		return model.PhaseUnknown
	}

	if DisplacementLanded(track) {
		return model.PhaseLanded
	}
	if !primaryLive && latest.Source == model.SourceFallback &&
		d.clock.Now().Sub(latest.Timestamp) > fallbackLandedAfter {
		return model.PhaseLanded
	}

	if latest.VerticalSpeed >= 0 {
		return model.PhaseAscending
	}
	if latest.Altitude > 10000 {
		return model.PhaseDescendingAbove10k
	}
	return model.PhaseDescendingBelow10k
}
