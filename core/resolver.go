package core

import (
	"github.com/signalsfoundry/sonde-tracker/kb"
	"github.com/signalsfoundry/sonde-tracker/model"
)

// Resolver picks the single current landing point by strict priority:
// live telemetry while landed, then the predicted landing coordinate, then a
// manual override, then the last persisted point for this identity. The first
// tier that resolves wins; lower tiers are never consulted.
type Resolver struct {
	book *kb.FlightBook
}

// NewResolver binds the resolver to the flight book that holds (and persists)
// the landing history.
func NewResolver(book *kb.FlightBook) *Resolver {
	return &Resolver{book: book}
}

// ResolveInputs is the candidate set for one resolution.
type ResolveInputs struct {
	Phase      model.FlightPhase
	Current    model.PositionSample
	Prediction *model.LandingPoint
	Manual     *model.LandingPoint
}

// Resolve returns the current landing point, recording the winning candidate
// in the flight book so it is persisted immediately and recoverable after a
// restart. ok is false only when no tier resolves.
func (r *Resolver) Resolve(in ResolveInputs) (model.LandingPoint, bool) {
	if in.Phase == model.PhaseLanded && !in.Current.Timestamp.IsZero() {
		lp := model.LandingPoint{
			Lat:       in.Current.Lat,
			Lon:       in.Current.Lon,
			Source:    model.LandingFromTelemetry,
			Timestamp: in.Current.Timestamp,
		}
		r.record(lp)
		return lp, true
	}

	if in.Prediction != nil {
		lp := *in.Prediction
		lp.Source = model.LandingFromPrediction
		r.record(lp)
		return lp, true
	}

	if in.Manual != nil {
		lp := *in.Manual
		lp.Source = model.LandingFromManualOverride
		r.record(lp)
		return lp, true
	}

	return r.book.CurrentLandingPoint()
}

// record persists the resolution unless it is byte-identical to the latest
// history entry; re-resolving the same winner must not grow the history.
func (r *Resolver) record(lp model.LandingPoint) {
	if last, ok := r.book.CurrentLandingPoint(); ok &&
		last.Source == lp.Source && last.Lat == lp.Lat && last.Lon == lp.Lon {
		return
	}
	r.book.RecordLandingPoint(lp)
}
