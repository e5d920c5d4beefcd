package sample

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
)

var ErrInvalidSample = errors.New("invalid sample")

var validate = validator.New()

// wire is the JSON body of a SEND frame. Key names are what the broker's
// location controller binds to.
type wire struct {
	SubjectID  string  `json:"userId" validate:"required"`
	Latitude   float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude  float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Accuracy   float64 `json:"accuracy" validate:"gte=0"`
	Speed      float64 `json:"speed" validate:"gte=0"`
	Bearing    float64 `json:"bearing" validate:"gte=0,lte=360"`
	CapturedAt int64   `json:"timestamp"`
}

// Sample is one telemetry record. It is immutable once built by New.
type Sample struct {
	w wire
}

// New validates the attributes and stamps the capture time.
func New(subjectID string, lat, lon, accuracy, speed, bearing float64) (Sample, error) {
	return newAt(subjectID, lat, lon, accuracy, speed, bearing, time.Now())
}

func newAt(subjectID string, lat, lon, accuracy, speed, bearing float64, t time.Time) (Sample, error) {
	w := wire{
		SubjectID:  subjectID,
		Latitude:   lat,
		Longitude:  lon,
		Accuracy:   accuracy,
		Speed:      speed,
		Bearing:    bearing,
		CapturedAt: t.UnixMilli(),
	}
	if err := validate.Struct(&w); err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}
	return Sample{w: w}, nil
}

func (s Sample) SubjectID() string { return s.w.SubjectID }
func (s Sample) Latitude() float64 { return s.w.Latitude }
func (s Sample) Longitude() float64 { return s.w.Longitude }
func (s Sample) Accuracy() float64 { return s.w.Accuracy }
func (s Sample) Speed() float64 { return s.w.Speed }
func (s Sample) Bearing() float64 { return s.w.Bearing }
func (s Sample) CapturedAtMillis() int64 { return s.w.CapturedAt }

func (s Sample) CapturedAt() time.Time {
	return time.UnixMilli(s.w.CapturedAt)
}

// Serialize returns the JSON payload. Output is deterministic for a given sample.
func (s Sample) Serialize() ([]byte, error) {
	return json.Marshal(&s.w)
}

func (s Sample) MarshalObject(e *log.Entry) {
	e.Str("subject_id", s.w.SubjectID).
		Float64("lat", s.w.Latitude).
		Float64("lon", s.w.Longitude).
		Float64("accuracy", s.w.Accuracy).
		Int64("captured_at", s.w.CapturedAt)
}
