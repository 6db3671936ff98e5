// Package feed drives the fallback telemetry source: a periodic poll of the
// long-range tracking API, plus a historical gap-fill query used to backfill
// the track after an outage. The primary radio feed needs no driver here; it
// pushes samples as they are decoded.
package feed

import (
	"context"
	"time"

	"github.com/signalsfoundry/sonde-tracker/model"
)

// Fetcher is the fallback API client. One call returns whatever position and
// radio-channel samples the API currently has for the tracked sonde.
type Fetcher interface {
	FetchLatest(ctx context.Context) ([]model.PositionSample, []model.RadioChannelSample, error)
}

// GapFiller retrieves historical points for one sonde over a time window, used
// to backfill the local track after a reception gap.
type GapFiller interface {
	FetchRange(ctx context.Context, sondeID string, from, to time.Time) ([]model.TrackPoint, error)
}

// Sink receives fetched samples. The coordinator implements this; samples are
// delivered in the order the API returned them.
type Sink interface {
	ConsumePosition(model.PositionSample)
	ConsumeRadioChannel(model.RadioChannelSample)
}
