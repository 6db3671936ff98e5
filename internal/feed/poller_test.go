package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/sonde-tracker/model"
	"github.com/signalsfoundry/sonde-tracker/timectrl"
)

type fakeFetcher struct {
	positions []model.PositionSample
	channels  []model.RadioChannelSample
	err       error
	calls     int
}

func (f *fakeFetcher) FetchLatest(context.Context) ([]model.PositionSample, []model.RadioChannelSample, error) {
	f.calls++
	return f.positions, f.channels, f.err
}

type captureSink struct {
	positions []model.PositionSample
	channels  []model.RadioChannelSample
}

func (s *captureSink) ConsumePosition(p model.PositionSample) {
	s.positions = append(s.positions, p)
}

func (s *captureSink) ConsumeRadioChannel(c model.RadioChannelSample) {
	s.channels = append(s.channels, c)
}

type failureCounter struct{ failures int }

func (f *failureCounter) FetchFailed(string) { f.failures++ }

func TestPollIntervalAdaptsToStaleness(t *testing.T) {
	tests := []struct {
		name     string
		staleFor time.Duration
		want     time.Duration
	}{
		{"fresh", 10 * time.Second, intervalFresh},
		{"at the stale boundary", 2 * time.Minute, intervalFresh},
		{"stale", 5 * time.Minute, intervalStale},
		{"at the dormant boundary", 30 * time.Minute, intervalStale},
		{"dormant", time.Hour, intervalDormant},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := PollInterval(tc.staleFor); got != tc.want {
				t.Fatalf("PollInterval(%v) = %v, want %v", tc.staleFor, got, tc.want)
			}
		})
	}
}

func TestDisabledPollerDoesNotFetch(t *testing.T) {
	fetcher := &fakeFetcher{}
	p := NewPoller(Config{Fetcher: fetcher, Sink: &captureSink{}})

	p.Poll(context.Background())
	if fetcher.calls != 0 {
		t.Fatalf("disabled poller fetched %d times", fetcher.calls)
	}

	p.SetEnabled(true)
	p.Poll(context.Background())
	if fetcher.calls != 1 {
		t.Fatalf("enabled poller fetched %d times, want 1", fetcher.calls)
	}
}

func TestPollDeliversSamplesAndTracksFreshness(t *testing.T) {
	clock := timectrl.NewManualClock(time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC))
	fetcher := &fakeFetcher{
		positions: []model.PositionSample{
			{SondeID: "V1", Lat: 47.1, Lon: 15.2, Timestamp: clock.Now().Add(-5 * time.Second), Source: model.SourceFallback},
			{SondeID: "V1", Lat: 47.11, Lon: 15.21, Timestamp: clock.Now().Add(-2 * time.Second), Source: model.SourceFallback},
		},
		channels: []model.RadioChannelSample{
			{SondeID: "V1", FrequencyMHz: 403.5, Source: model.SourceFallback},
		},
	}
	sink := &captureSink{}
	p := NewPoller(Config{Fetcher: fetcher, Sink: sink, Clock: clock})
	p.SetEnabled(true)

	next := p.Poll(context.Background())
	if len(sink.positions) != 2 || len(sink.channels) != 1 {
		t.Fatalf("sink got %d positions, %d channels", len(sink.positions), len(sink.channels))
	}
	if next != intervalFresh {
		t.Fatalf("next interval = %v, want %v", next, intervalFresh)
	}

	// With no newer samples the cadence backs off as the data ages.
	fetcher.positions = nil
	fetcher.channels = nil
	clock.Advance(5 * time.Minute)
	if next := p.Poll(context.Background()); next != intervalStale {
		t.Fatalf("next interval after 5m of silence = %v, want %v", next, intervalStale)
	}
	clock.Advance(time.Hour)
	if next := p.Poll(context.Background()); next != intervalDormant {
		t.Fatalf("next interval after an hour of silence = %v, want %v", next, intervalDormant)
	}
}

func TestFetchFailureIsCountedAndRetriedNextTick(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	counter := &failureCounter{}
	sink := &captureSink{}
	p := NewPoller(Config{Fetcher: fetcher, Sink: sink, Observer: counter})
	p.SetEnabled(true)

	next := p.Poll(context.Background())
	if counter.failures != 1 {
		t.Fatalf("failures = %d, want 1", counter.failures)
	}
	if len(sink.positions) != 0 {
		t.Fatal("failed fetch delivered samples")
	}
	// No immediate retry: the next attempt waits for a full tick.
	if next != intervalFresh {
		t.Fatalf("next interval after failure = %v, want %v", next, intervalFresh)
	}
	if fetcher.calls != 1 {
		t.Fatalf("fetch attempted %d times within one tick", fetcher.calls)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPoller(Config{Fetcher: &fakeFetcher{}, Sink: &captureSink{}})

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
