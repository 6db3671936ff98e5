package feed

import (
	"context"
	"sync"
	"time"

	"github.com/signalsfoundry/sonde-tracker/internal/logging"
	"github.com/signalsfoundry/sonde-tracker/timectrl"
)

// Adaptive cadence. The fallback API stops updating for balloons that are on
// the ground or out of coverage, so polling backs off as the data ages.
const (
	intervalFresh   = 15 * time.Second
	intervalStale   = 300 * time.Second
	intervalDormant = 3600 * time.Second
	staleAfter      = 2 * time.Minute
	dormantAfter    = 30 * time.Minute
	disabledRecheck = time.Second
)

// FailureObserver counts failed fetch attempts, usually the metrics collector.
type FailureObserver interface {
	FetchFailed(service string)
}

// PollInterval maps the age of the newest fallback sample to a poll cadence.
func PollInterval(staleFor time.Duration) time.Duration {
	switch {
	case staleFor > dormantAfter:
		return intervalDormant
	case staleFor > staleAfter:
		return intervalStale
	default:
		return intervalFresh
	}
}

// Config wires a Poller.
type Config struct {
	Fetcher  Fetcher
	Sink     Sink
	Clock    timectrl.Clock
	Logger   logging.Logger
	Observer FailureObserver
}

// Poller periodically fetches from the fallback API and pushes the results
// into the sink. It is enabled and disabled by the arbitration side effects;
// while disabled it fetches nothing. A failed fetch is counted and logged, and
// retried only on the next tick.
type Poller struct {
	fetcher  Fetcher
	sink     Sink
	clock    timectrl.Clock
	log      logging.Logger
	observer FailureObserver

	mu         sync.Mutex
	enabled    bool
	lastSample time.Time
}

// NewPoller constructs a disabled poller.
func NewPoller(cfg Config) *Poller {
	if cfg.Clock == nil {
		cfg.Clock = timectrl.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop()
	}
	return &Poller{
		fetcher:  cfg.Fetcher,
		sink:     cfg.Sink,
		clock:    cfg.Clock,
		log:      cfg.Logger,
		observer: cfg.Observer,
	}
}

// SetEnabled switches polling on or off. Safe from any goroutine.
func (p *Poller) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

// Enabled reports whether the poller is currently active.
func (p *Poller) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Poll performs one fetch attempt if the poller is enabled and returns the
// delay until the next attempt.
func (p *Poller) Poll(ctx context.Context) time.Duration {
	p.mu.Lock()
	enabled := p.enabled
	last := p.lastSample
	p.mu.Unlock()

	if !enabled {
		return disabledRecheck
	}

	positions, channels, err := p.fetcher.FetchLatest(ctx)
	if err != nil {
		if p.observer != nil {
			p.observer.FetchFailed("fallback")
		}
		p.log.Warn(ctx, "fallback fetch failed", logging.Err(err))
		return PollInterval(p.staleFor(last))
	}

	for _, s := range positions {
		p.sink.ConsumePosition(s)
		if s.Timestamp.After(last) {
			last = s.Timestamp
		}
	}
	for _, s := range channels {
		p.sink.ConsumeRadioChannel(s)
	}

	p.mu.Lock()
	if last.After(p.lastSample) {
		p.lastSample = last
	}
	last = p.lastSample
	p.mu.Unlock()

	return PollInterval(p.staleFor(last))
}

// Run polls until the context is cancelled. The delay between attempts comes
// from each attempt's own result, so cadence adapts as data ages.
func (p *Poller) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		timer.Reset(p.Poll(ctx))
	}
}

func (p *Poller) staleFor(last time.Time) time.Duration {
	if last.IsZero() {
		return 0
	}
	return p.clock.Now().Sub(last)
}
