package model

import (
	"fmt"
	"time"

	"github.com/skypies/geo"
)

// LandingPointSource says which tier produced a landing point. The resolver
// picks by strict priority in this order, never by recency.
type LandingPointSource int

const (
	LandingFromTelemetry LandingPointSource = iota
	LandingFromPrediction
	LandingFromManualOverride
	LandingFromPersisted
)

func (s LandingPointSource) String() string {
	switch s {
	case LandingFromTelemetry:
		return "telemetry"
	case LandingFromPrediction:
		return "prediction"
	case LandingFromManualOverride:
		return "manual_override"
	case LandingFromPersisted:
		return "persisted"
	}
	return fmt.Sprintf("landing_source(%d)", int(s))
}

// LandingPoint is the single current landing coordinate for a balloon.
type LandingPoint struct {
	Lat       float64
	Lon       float64
	Source    LandingPointSource
	Timestamp time.Time
}

// DistanceMeters is the great-circle distance to another landing point.
func (p LandingPoint) DistanceMeters(o LandingPoint) float64 {
	a := geo.Latlong{Lat: p.Lat, Long: p.Lon}
	b := geo.Latlong{Lat: o.Lat, Long: o.Lon}
	return a.Dist(b) * 1000.0
}

func (p LandingPoint) String() string {
	return fmt.Sprintf("(%.5f,%.5f) via %s", p.Lat, p.Lon, p.Source)
}
