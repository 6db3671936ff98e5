package cache

import (
	"fmt"
	"math"
	"time"
)

// Key quantization: coordinates round to two decimals, altitude to the
// nearest 100 m, and time to five-minute epoch buckets, so the near-duplicate
// requests produced by high-frequency telemetry ticks land on the same entry.

const (
	altitudeBucketMeters = 100
	timeBucketSeconds    = 300
)

// PredictionKey builds the lookup key for one landing-prediction request.
func PredictionKey(sondeID string, lat, lon, altitude float64, t time.Time) string {
	return fmt.Sprintf("%s|%.2f|%.2f|%d|%d",
		sondeID, lat, lon,
		int(math.Round(altitude/altitudeBucketMeters))*altitudeBucketMeters,
		t.Unix()/timeBucketSeconds)
}

// RoutingKey builds the lookup key for one origin/destination routing request.
func RoutingKey(originLat, originLon, destLat, destLon float64, mode string) string {
	return fmt.Sprintf("%.2f|%.2f|%.2f|%.2f|%s",
		originLat, originLon, destLat, destLon, mode)
}
