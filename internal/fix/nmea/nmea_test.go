package nmea

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"testing"

	"nuha.dev/gpsuplink/internal/fix"
)

const feed = "$GPGSV,garbage\r\n" +
	"$GPRMC,123520,V,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*77\r\n" +
	"$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47\r\n" +
	"noise\r\n" +
	"$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A\r\n"

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-4
}

func TestScan(t *testing.T) {
	s := New(&Config{Port: "/dev/null", Baud: 9600})
	var fixes []fix.Fix
	err := s.scan(strings.NewReader(feed), func(f fix.Fix) { fixes = append(fixes, f) })
	if !errors.Is(err, io.EOF) {
		t.Errorf("scan: %v", err)
	}
	if len(fixes) != 1 {
		t.Fatalf("got %d fixes", len(fixes))
	}
	f := fixes[0]
	if !near(f.Latitude, 48.1173) || !near(f.Longitude, 11.516667) {
		t.Errorf("position %v,%v", f.Latitude, f.Longitude)
	}
	if !near(f.Speed, 22.4*fix.KnotsToMetersPerSecond) {
		t.Errorf("speed %v", f.Speed)
	}
	if !near(f.Bearing, 84.4) {
		t.Errorf("bearing %v", f.Bearing)
	}
	if !near(f.Accuracy, 4.5) {
		t.Errorf("accuracy %v", f.Accuracy)
	}
}

type nopCloser struct {
	io.Reader
}

func (nopCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopCloser) Close() error                { return nil }

func TestRunOpenError(t *testing.T) {
	s := New(&Config{Port: "/dev/none"})
	s.open = func() (io.ReadWriteCloser, error) { return nil, errors.New("no such port") }
	if err := s.Run(context.Background(), func(fix.Fix) {}); err == nil {
		t.Error("expected open error")
	}
}

func TestRunEmits(t *testing.T) {
	s := New(&Config{Port: "/dev/fake"})
	s.open = func() (io.ReadWriteCloser, error) { return nopCloser{strings.NewReader(feed)}, nil }
	n := 0
	err := s.Run(context.Background(), func(fix.Fix) { n++ })
	if !errors.Is(err, io.EOF) || n != 1 {
		t.Errorf("err %v fixes %d", err, n)
	}
}
