package core

import (
	"context"
	"sync"
	"time"

	"github.com/signalsfoundry/sonde-tracker/internal/logging"
	"github.com/signalsfoundry/sonde-tracker/model"
	"github.com/signalsfoundry/sonde-tracker/timectrl"
)

// DataState is the arbitration state: which telemetry source is currently
// authoritative, and whether the balloon is flying or on the ground.
type DataState int

const (
	StateStartup DataState = iota
	StatePrimaryFlying
	StatePrimaryLanded
	StateAwaitingFallback
	StateFallbackFlying
	StateFallbackLanded
	StateNoTelemetry
)

func (s DataState) String() string {
	switch s {
	case StateStartup:
		return "Startup"
	case StatePrimaryFlying:
		return "PrimaryFlying"
	case StatePrimaryLanded:
		return "PrimaryLanded"
	case StateAwaitingFallback:
		return "AwaitingFallback"
	case StateFallbackFlying:
		return "FallbackFlying"
	case StateFallbackLanded:
		return "FallbackLanded"
	case StateNoTelemetry:
		return "NoTelemetry"
	default:
		return "Unknown"
	}
}

// Primary reports whether the state considers the primary source authoritative.
func (s DataState) Primary() bool {
	return s == StatePrimaryFlying || s == StatePrimaryLanded
}

// Landed reports whether the state is one of the landed variants.
func (s DataState) Landed() bool {
	return s == StatePrimaryLanded || s == StateFallbackLanded
}

const (
	// awaitFallbackTimeout bounds how long AwaitingFallback waits for either
	// source before giving up.
	awaitFallbackTimeout = 10 * time.Second

	// fallbackDebounce is how long a recovered primary must persist before it
	// takes authority back from a working fallback feed.
	fallbackDebounce = 30 * time.Second
)

// Inputs is everything the transition function looks at besides the current
// state and its age.
type Inputs struct {
	PrimaryFresh    bool
	FallbackFresh   bool
	Phase           model.FlightPhase
	PrimaryID       string
	TrackedID       string
	StartupComplete bool
}

// Transition computes the next state from the current one, how long it has
// been held, and the inputs. It is pure: no clock reads, no side effects.
func Transition(state DataState, timeInState time.Duration, in Inputs) DataState {
	switch state {
	case StateStartup:
		if !in.StartupComplete {
			return StateStartup
		}
		return routeBySource(in)

	case StatePrimaryFlying, StatePrimaryLanded:
		if !in.PrimaryFresh {
			return StateAwaitingFallback
		}
		return primaryFor(in.Phase)

	case StateAwaitingFallback:
		if in.PrimaryFresh {
			return primaryFor(in.Phase)
		}
		if in.FallbackFresh {
			return fallbackFor(in.Phase)
		}
		if timeInState >= awaitFallbackTimeout {
			return StateNoTelemetry
		}
		return StateAwaitingFallback

	case StateFallbackFlying, StateFallbackLanded:
		if in.PrimaryFresh {
			// A different balloon on the primary link means a fresh launch:
			// switch immediately, the debounce protects against flapping of
			// the same link, not against new flights.
			if in.PrimaryID != "" && in.PrimaryID != in.TrackedID {
				return primaryFor(in.Phase)
			}
			if timeInState >= fallbackDebounce {
				return primaryFor(in.Phase)
			}
		}
		if in.FallbackFresh {
			return fallbackFor(in.Phase)
		}
		if !in.PrimaryFresh {
			return StateNoTelemetry
		}
		// Primary is back but still inside the debounce and fallback has gone
		// quiet: hold the current state until the debounce expires.
		return state

	case StateNoTelemetry:
		return routeBySource(in)
	}
	return state
}

func routeBySource(in Inputs) DataState {
	switch {
	case in.PrimaryFresh:
		return primaryFor(in.Phase)
	case in.FallbackFresh:
		return fallbackFor(in.Phase)
	default:
		return StateNoTelemetry
	}
}

func primaryFor(phase model.FlightPhase) DataState {
	if phase == model.PhaseLanded {
		return StatePrimaryLanded
	}
	return StatePrimaryFlying
}

func fallbackFor(phase model.FlightPhase) DataState {
	if phase == model.PhaseLanded {
		return StateFallbackLanded
	}
	return StateFallbackFlying
}

// Effects describes what the coordinator must do after a step. Polling
// enablement is level-triggered from the resulting state; the refresh and
// landing-point effects fire only on a realized transition into the
// corresponding variant.
type Effects struct {
	FallbackPollingEnabled bool
	RefreshPrediction      bool
	UpdateLandingPoint     bool
}

func effectsFor(prev, next DataState) Effects {
	e := Effects{FallbackPollingEnabled: !next.Primary()}
	if prev == next {
		return e
	}
	switch next {
	case StatePrimaryFlying, StateFallbackFlying:
		e.RefreshPrediction = true
	case StatePrimaryLanded, StateFallbackLanded:
		e.UpdateLandingPoint = true
	}
	return e
}

// TransitionRecord is one realized transition kept for diagnostics.
type TransitionRecord struct {
	From        DataState
	To          DataState
	At          time.Time
	TimeInState time.Duration
	Inputs      Inputs
}

// TransitionObserver gets told about realized transitions, usually the
// metrics collector.
type TransitionObserver interface {
	ObserveTransition(from, to string, stateIndex int)
}

const transitionLogCap = 64

// Machine owns the single arbitration state instance. All mutation goes
// through Step; everything else reads snapshots.
type Machine struct {
	clock    timectrl.Clock
	log      logging.Logger
	observer TransitionObserver

	mu        sync.Mutex
	state     DataState
	enteredAt time.Time
	records   []TransitionRecord
}

// MachineConfig wires a Machine.
type MachineConfig struct {
	Clock    timectrl.Clock
	Logger   logging.Logger
	Observer TransitionObserver
}

// NewMachine starts in Startup at the clock's current time.
func NewMachine(cfg MachineConfig) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = timectrl.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop()
	}
	return &Machine{
		clock:     cfg.Clock,
		log:       cfg.Logger,
		observer:  cfg.Observer,
		state:     StateStartup,
		enteredAt: cfg.Clock.Now(),
	}
}

// Step applies the transition function to the current inputs and realizes any
// resulting state change. It returns the state after the step and the effects
// the caller must execute.
func (m *Machine) Step(in Inputs) (DataState, Effects) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	held := now.Sub(m.enteredAt)
	next := Transition(m.state, held, in)
	effects := effectsFor(m.state, next)

	if next != m.state {
		rec := TransitionRecord{From: m.state, To: next, At: now, TimeInState: held, Inputs: in}
		m.records = append(m.records, rec)
		if len(m.records) > transitionLogCap {
			m.records = m.records[len(m.records)-transitionLogCap:]
		}
		if m.observer != nil {
			m.observer.ObserveTransition(m.state.String(), next.String(), int(next))
		}
		m.log.Info(context.Background(), "arbitration transition",
			logging.String("from", m.state.String()),
			logging.String("to", next.String()),
			logging.Duration("held", held),
			logging.String("phase", in.Phase.String()))

		m.state = next
		m.enteredAt = now
	}
	return m.state, effects
}

// State returns the current state and when it was entered.
func (m *Machine) State() (DataState, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.enteredAt
}

// Transitions returns a copy of the recent transition log, oldest first.
func (m *Machine) Transitions() []TransitionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.records))
	copy(out, m.records)
	return out
}
