package kb

import (
	"testing"
	"time"

	"github.com/signalsfoundry/sonde-tracker/model"
)

type fakePersister struct {
	tracks    map[string]model.Track
	histories map[string][]model.LandingPoint
	saves     int
}

func newFakePersister() *fakePersister {
	return &fakePersister{
		tracks:    make(map[string]model.Track),
		histories: make(map[string][]model.LandingPoint),
	}
}

func (p *fakePersister) SaveTrack(sondeID string, track model.Track) error {
	p.tracks[sondeID] = track
	p.saves++
	return nil
}

func (p *fakePersister) SaveLandingHistory(sondeID string, history []model.LandingPoint) error {
	p.histories[sondeID] = history
	return nil
}

func (p *fakePersister) LoadLandingHistory(sondeID string) ([]model.LandingPoint, bool, error) {
	h, ok := p.histories[sondeID]
	return h, ok, nil
}

func point(t time.Time, alt float64) model.TrackPoint {
	return model.TrackPoint{Lat: 47.1, Lon: 15.2, Altitude: alt, Timestamp: t}
}

func TestAppendPersistsEveryNthPoint(t *testing.T) {
	persister := newFakePersister()
	book := NewFlightBook(Config{Persister: persister, PersistEvery: 3})

	base := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		book.Append("V1", point(base.Add(time.Duration(i)*time.Second), 1000))
	}

	// Snapshots at points 3 and 6.
	if persister.saves != 2 {
		t.Fatalf("track saves = %d, want 2", persister.saves)
	}
	if len(persister.tracks["V1"]) != 6 {
		t.Fatalf("last snapshot has %d points, want 6", len(persister.tracks["V1"]))
	}
	if book.TrackLen() != 7 {
		t.Fatalf("TrackLen = %d, want 7", book.TrackLen())
	}
}

func TestIdentitySwitchClearsTrackAndPersistsOldFlight(t *testing.T) {
	persister := newFakePersister()
	persister.histories["V2"] = []model.LandingPoint{
		{Lat: 48.0, Lon: 16.0, Source: model.LandingFromTelemetry},
	}
	book := NewFlightBook(Config{Persister: persister})

	base := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	var resets int
	book.Subscribe(func(ev Event) {
		if ev.Type == EventTrackReset {
			resets++
		}
	})

	book.Append("V1", point(base, 1000))
	book.Append("V1", point(base.Add(time.Second), 1010))
	book.Append("V2", point(base.Add(2*time.Second), 20))

	if got := book.TrackedID(); got != "V2" {
		t.Fatalf("TrackedID = %q, want V2", got)
	}
	if book.TrackLen() != 1 {
		t.Fatalf("track not cleared on identity switch: len = %d", book.TrackLen())
	}
	if len(persister.tracks["V1"]) != 2 {
		t.Fatalf("old flight snapshot has %d points, want 2", len(persister.tracks["V1"]))
	}
	if resets != 2 {
		t.Fatalf("reset events = %d, want 2 (initial identity plus switch)", resets)
	}

	// Persisted landing history for the new identity is recovered.
	lp, ok := book.CurrentLandingPoint()
	if !ok || lp.Lat != 48.0 {
		t.Fatalf("recovered landing point = %+v, ok=%v", lp, ok)
	}
}

func TestMergeHistoricalSkipsDuplicates(t *testing.T) {
	book := NewFlightBook(Config{Persister: newFakePersister()})

	base := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	book.Append("V1", point(base.Add(30*time.Second), 1000))
	book.Append("V1", point(base.Add(40*time.Second), 1010))

	added := book.MergeHistorical("V1", []model.TrackPoint{
		point(base, 900),                                           // before the gap: new
		point(base.Add(10*time.Second), 930),                       // new
		point(base.Add(30*time.Second), 1000),                      // duplicate
		point(base.Add(40*time.Second+500*time.Millisecond), 1010), // within tolerance: duplicate
	})
	if added != 2 {
		t.Fatalf("MergeHistorical added %d, want 2", added)
	}

	_, track := book.Snapshot()
	if len(track) != 4 {
		t.Fatalf("track has %d points after merge, want 4", len(track))
	}
	for i := 1; i < len(track); i++ {
		if track[i].Timestamp.Before(track[i-1].Timestamp) {
			t.Fatalf("track out of order at %d", i)
		}
	}

	if got := book.MergeHistorical("OTHER", []model.TrackPoint{point(base, 1)}); got != 0 {
		t.Fatalf("merge for wrong identity added %d, want 0", got)
	}
}

func TestLandingPointDedupWithinRadius(t *testing.T) {
	persister := newFakePersister()
	book := NewFlightBook(Config{Persister: persister})
	book.Append("V1", point(time.Now(), 1000))

	base := model.LandingPoint{Lat: 47.50000, Lon: 15.50000, Source: model.LandingFromPrediction}
	book.RecordLandingPoint(base)

	// ~11 m north: inside the 25 m dedup radius, overwrites.
	near := model.LandingPoint{Lat: 47.50010, Lon: 15.50000, Source: model.LandingFromPrediction}
	book.RecordLandingPoint(near)
	if got := book.LandingHistory(); len(got) != 1 || got[0].Lat != near.Lat {
		t.Fatalf("near prediction did not overwrite: %+v", got)
	}

	// ~110 m north: outside the radius, appends.
	far := model.LandingPoint{Lat: 47.50110, Lon: 15.50000, Source: model.LandingFromPrediction}
	book.RecordLandingPoint(far)
	if got := book.LandingHistory(); len(got) != 2 {
		t.Fatalf("far prediction did not append: %+v", got)
	}

	// Telemetry-sourced points always append, even when close.
	tele := model.LandingPoint{Lat: 47.50111, Lon: 15.50000, Source: model.LandingFromTelemetry}
	book.RecordLandingPoint(tele)
	if got := book.LandingHistory(); len(got) != 3 {
		t.Fatalf("telemetry landing did not append: %+v", got)
	}

	if len(persister.histories["V1"]) != 3 {
		t.Fatalf("history not persisted: %d entries", len(persister.histories["V1"]))
	}
}

func TestRadioChannelPerSource(t *testing.T) {
	book := NewFlightBook(Config{})

	book.SetRadioChannel(model.RadioChannelSample{SondeID: "V1", FrequencyMHz: 403.5, Source: model.SourcePrimary})
	book.SetRadioChannel(model.RadioChannelSample{SondeID: "V1", FrequencyMHz: 404.1, Source: model.SourceFallback})

	if s, ok := book.RadioChannel(model.SourcePrimary); !ok || s.FrequencyMHz != 403.5 {
		t.Fatalf("primary channel = %+v, ok=%v", s, ok)
	}
	if s, ok := book.RadioChannel(model.SourceFallback); !ok || s.FrequencyMHz != 404.1 {
		t.Fatalf("fallback channel = %+v, ok=%v", s, ok)
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	book := NewFlightBook(Config{})

	var events int
	unsubscribe := book.Subscribe(func(Event) { events++ })

	book.Append("V1", point(time.Now(), 1000))
	seen := events
	if seen == 0 {
		t.Fatal("subscriber saw no events")
	}

	unsubscribe()
	book.Append("V1", point(time.Now().Add(time.Second), 1001))
	if events != seen {
		t.Fatalf("subscriber still notified after unsubscribe: %d -> %d", seen, events)
	}
}
