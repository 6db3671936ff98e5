package core

import (
	"math"
	"sort"
	"time"

	"github.com/signalsfoundry/sonde-tracker/model"
)

const (
	hampelWindow = 10
	hampelK      = 3.0
	madScale     = 1.4826

	deadbandHorizontal = 0.2  // m/s
	deadbandVertical   = 0.05 // m/s

	fastTau           = 3 * time.Second
	slowTauHorizontal = 25 * time.Second
	slowTauVertical   = 30 * time.Second

	// Adjusted descent rate: median of per-interval altitude rates over the
	// trailing window, averaged across the last rateHistoryLen medians.
	rateWindow     = 60 * time.Second
	rateMinPoints  = 3
	rateHistoryLen = 20

	// Above this altitude the measured descent rate is not trusted: samples
	// are sparse and the air is thin enough that the configured default is
	// the better predictor input.
	measuredRateCeiling = 10000.0

	defaultDescentRate = -5.0 // m/s
)

// ema is a time-delta-aware exponential moving average. alpha = dt/(tau+dt)
// so irregular sample spacing does not bias the filter.
type ema struct {
	tau   time.Duration
	value float64
	ready bool
}

func (e *ema) update(v float64, dt time.Duration) {
	if !e.ready {
		e.value = v
		e.ready = true
		return
	}
	if dt <= 0 {
		return
	}
	alpha := dt.Seconds() / (e.tau.Seconds() + dt.Seconds())
	e.value += alpha * (v - e.value)
}

// MotionConfig controls the pipeline. DefaultDescentRate is the signed m/s
// rate the predictor uses above the measured-rate ceiling; zero selects the
// built-in default.
type MotionConfig struct {
	DefaultDescentRate float64
}

// MotionPipeline turns noisy raw speed observations into smoothed horizontal
// and vertical speeds plus a robust descent-rate estimate. All state lives in
// the window buffers and EMA accumulators, so replaying the same ordered
// observations from a cold start reproduces identical outputs.
type MotionPipeline struct {
	hWindow []float64
	vWindow []float64

	fastH ema
	slowH ema
	fastV ema
	slowV ema

	rateHistory []float64
	lastSeen    time.Time

	configuredRate float64
}

// NewMotionPipeline constructs a cold pipeline.
func NewMotionPipeline(cfg MotionConfig) *MotionPipeline {
	rate := cfg.DefaultDescentRate
	if rate == 0 {
		rate = defaultDescentRate
	}
	return &MotionPipeline{
		fastH:          ema{tau: fastTau},
		slowH:          ema{tau: slowTauHorizontal},
		fastV:          ema{tau: fastTau},
		slowV:          ema{tau: slowTauVertical},
		configuredRate: rate,
	}
}

// Observe consumes one raw observation. Observations must arrive in order;
// out-of-order timestamps advance the filters with zero dt.
func (p *MotionPipeline) Observe(s model.PositionSample) {
	var dt time.Duration
	if !p.lastSeen.IsZero() {
		dt = s.Timestamp.Sub(p.lastSeen)
		if dt < 0 {
			dt = 0
		}
	}
	p.lastSeen = s.Timestamp

	h := deadband(hampel(&p.hWindow, s.HorizontalSpeed), deadbandHorizontal)
	v := deadband(hampel(&p.vWindow, s.VerticalSpeed), deadbandVertical)

	p.fastH.update(h, dt)
	p.slowH.update(h, dt)
	p.fastV.update(v, dt)
	p.slowV.update(v, dt)
}

// HorizontalSpeed returns the fast-smoothed horizontal speed in m/s.
func (p *MotionPipeline) HorizontalSpeed() float64 { return p.fastH.value }

// VerticalSpeed returns the fast-smoothed vertical speed in m/s.
func (p *MotionPipeline) VerticalSpeed() float64 { return p.fastV.value }

// UpdateDescentRate folds the trailing minute of track points into the
// adjusted descent-rate estimate. Called by the coordinator after each
// appended point.
func (p *MotionPipeline) UpdateDescentRate(track model.Track) {
	if len(track) < rateMinPoints {
		return
	}
	window := track.Since(track.End().Add(-rateWindow))
	if len(window) < rateMinPoints {
		return
	}

	rates := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		dt := window[i].Timestamp.Sub(window[i-1].Timestamp).Seconds()
		if dt <= 0 {
			continue
		}
		rates = append(rates, (window[i].Altitude-window[i-1].Altitude)/dt)
	}
	if len(rates) == 0 {
		return
	}

	p.rateHistory = append(p.rateHistory, median(rates))
	if len(p.rateHistory) > rateHistoryLen {
		p.rateHistory = p.rateHistory[len(p.rateHistory)-rateHistoryLen:]
	}
}

// DescentRate returns the signed vertical rate in m/s the predictor should
// use at the given altitude. The measured estimate applies below the ceiling;
// above it the configured default wins. Before any measurement exists the
// slow vertical EMA stands in.
func (p *MotionPipeline) DescentRate(altitude float64) float64 {
	if altitude > measuredRateCeiling {
		return p.configuredRate
	}
	if len(p.rateHistory) == 0 {
		if p.slowV.ready {
			return p.slowV.value
		}
		return p.configuredRate
	}
	sum := 0.0
	for _, r := range p.rateHistory {
		sum += r
	}
	return sum / float64(len(p.rateHistory))
}

// Reset returns the pipeline to its cold-start state, used on identity switch.
func (p *MotionPipeline) Reset() {
	cfg := p.configuredRate
	*p = *NewMotionPipeline(MotionConfig{DefaultDescentRate: cfg})
}

// hampel pushes the raw value into the trailing window and returns either the
// value or, when it deviates from the window median by more than three scaled
// MADs, the median itself.
func hampel(window *[]float64, v float64) float64 {
	*window = append(*window, v)
	if len(*window) > hampelWindow {
		*window = (*window)[len(*window)-hampelWindow:]
	}
	if len(*window) < 3 {
		return v
	}

	m := median(*window)
	deviations := make([]float64, len(*window))
	for i, w := range *window {
		deviations[i] = math.Abs(w - m)
	}
	mad := median(deviations)
	if mad == 0 {
		// A perfectly flat window gives no scale estimate; pass the value.
		return v
	}

	if math.Abs(v-m) > hampelK*madScale*mad {
		return m
	}
	return v
}

func deadband(v, threshold float64) float64 {
	if math.Abs(v) < threshold {
		return 0
	}
	return v
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
