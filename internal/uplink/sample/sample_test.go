package sample

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestSerializeAllFields(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	s, err := newAt("dev-1", -6.2, 106.8, 4.5, 1.25, 270, at)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	d, err := s.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(d, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]interface{}{
		"userId":    "dev-1",
		"latitude":  -6.2,
		"longitude": 106.8,
		"accuracy":  4.5,
		"speed":     1.25,
		"bearing":   270.0,
		"timestamp": 1700000000123.0,
	}
	if len(m) != len(want) {
		t.Errorf("got %d keys want %d: %s", len(m), len(want), d)
	}
	for k, v := range want {
		if m[k] != v {
			t.Errorf("%s: got %v want %v", k, m[k], v)
		}
	}
}

func TestSerializeDeterministic(t *testing.T) {
	s, _ := newAt("dev-1", 1, 2, 3, 0, 0, time.UnixMilli(5))
	a, _ := s.Serialize()
	b, _ := s.Serialize()
	if string(a) != string(b) {
		t.Errorf("%s != %s", a, b)
	}
}

func TestCapturedAtAlwaysEmitted(t *testing.T) {
	s, _ := newAt("dev-1", 0, 0, 0, 0, 0, time.UnixMilli(0))
	d, _ := s.Serialize()
	var m map[string]interface{}
	_ = json.Unmarshal(d, &m)
	if _, ok := m["timestamp"]; !ok {
		t.Errorf("timestamp missing in %s", d)
	}
}

func TestNewStampsTime(t *testing.T) {
	before := time.Now().UnixMilli()
	s, err := New("dev-1", 0, 0, 0, 0, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.CapturedAtMillis() < before || s.CapturedAtMillis() > time.Now().UnixMilli() {
		t.Errorf("captured at %d", s.CapturedAtMillis())
	}
}

func TestNewRejectsInvalid(t *testing.T) {
	cases := []struct {
		name, id                 string
		lat, lon                 float64
		accuracy, speed, bearing float64
	}{
		{"empty id", "", 0, 0, 0, 0, 0},
		{"negative accuracy", "a", 0, 0, -1, 0, 0},
		{"negative speed", "a", 0, 0, 0, -0.5, 0},
		{"bearing over 360", "a", 0, 0, 0, 0, 361},
		{"latitude", "a", 91, 0, 0, 0, 0},
		{"longitude", "a", 0, -181, 0, 0, 0},
	}
	for _, c := range cases {
		_, err := New(c.id, c.lat, c.lon, c.accuracy, c.speed, c.bearing)
		if !errors.Is(err, ErrInvalidSample) {
			t.Errorf("%s: expected ErrInvalidSample, got %v", c.name, err)
		}
	}
}
