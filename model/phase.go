package model

import "fmt"

// FlightPhase is the derived classification of what the balloon is doing.
// It is owned by the motion/landing components; everything else only reads it.
type FlightPhase int

const (
	PhaseUnknown FlightPhase = iota
	PhaseAscending
	// PhaseDescendingAbove10k marks descent above the 10,000 m line where the
	// measured descent-rate pipeline is not yet trusted.
	PhaseDescendingAbove10k
	PhaseDescendingBelow10k
	PhaseLanded
)

func (p FlightPhase) String() string {
	switch p {
	case PhaseUnknown:
		return "unknown"
	case PhaseAscending:
		return "ascending"
	case PhaseDescendingAbove10k:
		return "descending_above_10k"
	case PhaseDescendingBelow10k:
		return "descending_below_10k"
	case PhaseLanded:
		return "landed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Descending reports whether the phase is either of the descent sub-states.
func (p FlightPhase) Descending() bool {
	return p == PhaseDescendingAbove10k || p == PhaseDescendingBelow10k
}
