package sim

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsuplink/internal/fix"
)

const earthRadius = 6371000.0

type Config struct {
	Interval time.Duration `mapstructure:"interval"`
	StartLat float64       `mapstructure:"start_lat"`
	StartLon float64       `mapstructure:"start_lon"`
	Speed    float64       `mapstructure:"speed"`
	Accuracy float64       `mapstructure:"accuracy"`
	Seed     int64         `mapstructure:"seed"`
}

// Source walks a simulated device around the start position. The heading
// drifts randomly by up to 15 degrees per step.
type Source struct {
	config *Config
	rnd    *rand.Rand
	last   fix.Fix
	log    log.Logger
}

func New(config *Config) *Source {
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if config.Accuracy <= 0 {
		config.Accuracy = 5
	}
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Source{
		config: config,
		rnd:    rand.New(rand.NewSource(seed)),
		last: fix.Fix{
			Latitude:  config.StartLat,
			Longitude: config.StartLon,
			Accuracy:  config.Accuracy,
			Speed:     config.Speed,
		},
	}
	s.last.Bearing = s.rnd.Float64() * 360
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "sim").Value()
	return s
}

func (s *Source) Name() string {
	return "sim"
}

func (s *Source) Run(ctx context.Context, emit func(fix.Fix)) error {
	s.log.Info().Dur("interval", s.config.Interval).Float64("lat", s.last.Latitude).Float64("lon", s.last.Longitude).Msg("simulation started")
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			emit(s.next(t))
		}
	}
}

func (s *Source) next(t time.Time) fix.Fix {
	turn := (s.rnd.Float64()*2 - 1) * 15
	s.last = Step(s.last, fix.NormalizeBearing(s.last.Bearing+turn), s.config.Interval)
	s.last.Time = t
	return s.last
}

// Step moves f along bearing at f.Speed for dt. The flat earth approximation
// is fine for the short hops a simulator makes.
func Step(f fix.Fix, bearing float64, dt time.Duration) fix.Fix {
	d := f.Speed * dt.Seconds()
	rad := bearing * math.Pi / 180
	lat := f.Latitude * math.Pi / 180
	f.Latitude += d * math.Cos(rad) / earthRadius * 180 / math.Pi
	f.Longitude += d * math.Sin(rad) / (earthRadius * math.Cos(lat)) * 180 / math.Pi
	f.Latitude = math.Max(-90, math.Min(90, f.Latitude))
	if f.Longitude > 180 {
		f.Longitude -= 360
	} else if f.Longitude < -180 {
		f.Longitude += 360
	}
	f.Bearing = bearing
	return f
}
