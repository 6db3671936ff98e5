package persist

import (
	"testing"
	"time"

	"github.com/signalsfoundry/sonde-tracker/model"
)

func TestTrackRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	base := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	track := model.Track{
		{Lat: 47.1, Lon: 15.2, Altitude: 12000, Timestamp: base, VerticalSpeed: -6},
		{Lat: 47.11, Lon: 15.21, Altitude: 11900, Timestamp: base.Add(10 * time.Second), VerticalSpeed: -6.2},
	}

	if err := store.SaveTrack("V1234567", track); err != nil {
		t.Fatalf("SaveTrack: %v", err)
	}

	got, ok, err := store.LoadTrack("V1234567")
	if err != nil || !ok {
		t.Fatalf("LoadTrack: ok=%v err=%v", ok, err)
	}
	if len(got) != len(track) {
		t.Fatalf("loaded %d points, want %d", len(got), len(track))
	}
	if !got[1].Timestamp.Equal(track[1].Timestamp) || got[1].Altitude != track[1].Altitude {
		t.Fatalf("loaded point mismatch: %+v", got[1])
	}
}

func TestLandingHistoryRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	history := []model.LandingPoint{
		{Lat: 47.5, Lon: 15.5, Source: model.LandingFromPrediction, Timestamp: time.Date(2026, 4, 2, 11, 0, 0, 0, time.UTC)},
		{Lat: 47.51, Lon: 15.51, Source: model.LandingFromTelemetry, Timestamp: time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)},
	}
	if err := store.SaveLandingHistory("V1234567", history); err != nil {
		t.Fatalf("SaveLandingHistory: %v", err)
	}

	got, ok, err := store.LoadLandingHistory("V1234567")
	if err != nil || !ok {
		t.Fatalf("LoadLandingHistory: ok=%v err=%v", ok, err)
	}
	if len(got) != 2 || got[1].Source != model.LandingFromTelemetry {
		t.Fatalf("loaded history mismatch: %+v", got)
	}
}

func TestMissingSnapshotIsNotAnError(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if _, ok, err := store.LoadTrack("NOPE"); ok || err != nil {
		t.Fatalf("LoadTrack for unknown sonde: ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.LoadLandingHistory("NOPE"); ok || err != nil {
		t.Fatalf("LoadLandingHistory for unknown sonde: ok=%v err=%v", ok, err)
	}
}

func TestFilenameSanitization(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	// Identity strings come from external feeds; path separators must not
	// escape the snapshot directory.
	id := "../evil/V12 34"
	if err := store.SaveTrack(id, model.Track{{Timestamp: time.Now()}}); err != nil {
		t.Fatalf("SaveTrack with hostile ID: %v", err)
	}
	if _, ok, err := store.LoadTrack(id); !ok || err != nil {
		t.Fatalf("LoadTrack with hostile ID: ok=%v err=%v", ok, err)
	}
}
