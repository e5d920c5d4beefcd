package fix

import (
	"context"
	"math"
	"time"
)

const KnotsToMetersPerSecond = 0.514444

// Fix is one position reported by a source.
type Fix struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64 // meters
	Speed     float64 // meters per second, 0 if unknown
	Bearing   float64 // degrees, 0 if unknown
	Time      time.Time
}

// Source produces fixes until ctx is done or the source fails. emit may be
// called from any goroutine.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(Fix)) error
}

// NormalizeBearing folds b into [0, 360). NaN and infinities carry no
// heading and map to 0.
func NormalizeBearing(b float64) float64 {
	if math.IsNaN(b) || math.IsInf(b, 0) {
		return 0
	}
	b = math.Mod(b, 360)
	if b < 0 {
		b += 360
	}
	if b >= 360 {
		b = 0
	}
	return b
}
