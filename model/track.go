package model

import (
	"fmt"
	"time"
)

// TrackPoint is one point of the balloon's flight path. Points are appended
// in time order and never mutated in place.
type TrackPoint struct {
	Lat             float64
	Lon             float64
	Altitude        float64 // metres
	Timestamp       time.Time
	VerticalSpeed   float64 // m/s
	HorizontalSpeed float64 // m/s
}

// TrackPointFromSample converts a position sample into a track point.
func TrackPointFromSample(s PositionSample) TrackPoint {
	return TrackPoint{
		Lat:             s.Lat,
		Lon:             s.Lon,
		Altitude:        s.Altitude,
		Timestamp:       s.Timestamp,
		VerticalSpeed:   s.VerticalSpeed,
		HorizontalSpeed: s.HorizontalSpeed,
	}
}

// Track is an ordered sequence of track points, oldest first.
type Track []TrackPoint

func (t Track) Start() time.Time { return t[0].Timestamp }
func (t Track) End() time.Time   { return t[len(t)-1].Timestamp }

// Duration is the wall-clock span covered by the track, zero when degenerate.
func (t Track) Duration() time.Duration {
	if len(t) < 2 {
		return 0
	}
	return t.End().Sub(t.Start())
}

// Since returns the suffix of the track at or after the cutoff time.
// The track is time-ordered, so a single backwards scan suffices.
func (t Track) Since(cutoff time.Time) Track {
	i := len(t)
	for i > 0 && !t[i-1].Timestamp.Before(cutoff) {
		i--
	}
	return t[i:]
}

// Tail returns the most recent min(n, len) points.
func (t Track) Tail(n int) Track {
	if n >= len(t) {
		return t
	}
	return t[len(t)-n:]
}

func (t Track) String() string {
	if len(t) == 0 {
		return "track: empty"
	}
	return fmt.Sprintf("track: %d points, %s -> %s, end alt %.0fm",
		len(t), t.Start().Format(time.RFC3339), t.End().Format(time.RFC3339),
		t[len(t)-1].Altitude)
}
