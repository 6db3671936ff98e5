package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// TelemetrySource identifies which feed produced a sample.
type TelemetrySource int

const (
	// SourcePrimary is the low-latency short-range radio link.
	SourcePrimary TelemetrySource = iota
	// SourceFallback is the higher-latency internet tracking API.
	SourceFallback
)

func (s TelemetrySource) String() string {
	switch s {
	case SourcePrimary:
		return "primary"
	case SourceFallback:
		return "fallback"
	}
	return fmt.Sprintf("source(%d)", int(s))
}

// PositionSample is one normalized position report for a sonde. Samples are
// immutable once produced; a newer sample from the same source supersedes
// the previous one.
type PositionSample struct {
	SondeID         string
	Lat             float64 // degrees
	Lon             float64 // degrees
	Altitude        float64 // metres
	VerticalSpeed   float64 // m/s, negative while descending
	HorizontalSpeed float64 // m/s over ground
	Timestamp       time.Time
	APIReceivedAt   time.Time // when the fallback API handed us the sample; zero for primary
	Source          TelemetrySource
}

// Validate reports why a sample cannot be trusted. Callers treat an invalid
// sample the same as no sample at all; it never aborts the consume path.
func (s PositionSample) Validate() error {
	if strings.TrimSpace(s.SondeID) == "" {
		return fmt.Errorf("position sample has empty sonde ID")
	}
	for name, v := range map[string]float64{
		"lat":              s.Lat,
		"lon":              s.Lon,
		"altitude":         s.Altitude,
		"vertical_speed":   s.VerticalSpeed,
		"horizontal_speed": s.HorizontalSpeed,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("position sample field %s is not finite", name)
		}
	}
	if s.Lat < -90 || s.Lat > 90 {
		return fmt.Errorf("position sample latitude %.4f out of range", s.Lat)
	}
	if s.Lon < -180 || s.Lon > 180 {
		return fmt.Errorf("position sample longitude %.4f out of range", s.Lon)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("position sample has zero timestamp")
	}
	return nil
}

// RadioChannelSample carries channel metadata for frequency sync and display.
// It plays no part in source arbitration.
type RadioChannelSample struct {
	SondeID        string
	FrequencyMHz   float64
	BatteryPercent float64
	SignalStrength float64 // dB, receiver-relative
	Timestamp      time.Time
	Source         TelemetrySource
}

// Validate mirrors PositionSample.Validate for channel metadata.
func (s RadioChannelSample) Validate() error {
	if strings.TrimSpace(s.SondeID) == "" {
		return fmt.Errorf("radio channel sample has empty sonde ID")
	}
	for name, v := range map[string]float64{
		"frequency": s.FrequencyMHz,
		"battery":   s.BatteryPercent,
		"signal":    s.SignalStrength,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("radio channel sample field %s is not finite", name)
		}
	}
	if s.FrequencyMHz <= 0 {
		return fmt.Errorf("radio channel sample frequency %.3f MHz not positive", s.FrequencyMHz)
	}
	return nil
}
