package nmea

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	gonmea "github.com/adrianmo/go-nmea"
	"github.com/jacobsa/go-serial/serial"
	"github.com/phuslu/log"
	"nuha.dev/gpsuplink/internal/fix"
)

// DefaultUERE converts HDOP to an accuracy estimate in meters.
const DefaultUERE = 5.0

type Config struct {
	Port string  `mapstructure:"port"`
	Baud uint    `mapstructure:"baud"`
	UERE float64 `mapstructure:"uere"`
}

// Source reads NMEA 0183 sentences from a serial GPS receiver. A fix is
// emitted for every valid RMC sentence; accuracy comes from the latest GGA.
type Source struct {
	config *Config
	log    log.Logger
	open   func() (io.ReadWriteCloser, error)
}

func New(config *Config) *Source {
	s := &Source{config: config}
	if s.config.UERE == 0 {
		s.config.UERE = DefaultUERE
	}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "nmea").Str("port", config.Port).Value()
	s.open = func() (io.ReadWriteCloser, error) {
		return serial.Open(serial.OpenOptions{
			PortName:        config.Port,
			BaudRate:        config.Baud,
			DataBits:        8,
			StopBits:        1,
			MinimumReadSize: 1,
			ParityMode:      serial.PARITY_NONE,
		})
	}
	return s
}

func (s *Source) Name() string {
	return "nmea"
}

func (s *Source) Run(ctx context.Context, emit func(fix.Fix)) error {
	port, err := s.open()
	if err != nil {
		return err
	}
	s.log.Info().Uint("baud", s.config.Baud).Msg("serial port opened")
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		port.Close()
	}()
	err = s.scan(port, emit)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Source) scan(r io.Reader, emit func(fix.Fix)) error {
	reader := bufio.NewReader(r)
	var hdop float64
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "$") {
			continue
		}
		sentence, err := gonmea.Parse(line)
		if err != nil {
			s.log.Trace().Err(err).Str("line", line).Msg("unparsable sentence")
			continue
		}
		switch sentence.DataType() {
		case gonmea.TypeGGA:
			m := sentence.(gonmea.GGA)
			if m.FixQuality != gonmea.Invalid {
				hdop = m.HDOP
			}
		case gonmea.TypeRMC:
			m := sentence.(gonmea.RMC)
			if m.Validity != gonmea.ValidRMC {
				continue
			}
			emit(fix.Fix{
				Latitude:  m.Latitude,
				Longitude: m.Longitude,
				Accuracy:  hdop * s.config.UERE,
				Speed:     m.Speed * fix.KnotsToMetersPerSecond,
				Bearing:   fix.NormalizeBearing(m.Course),
				Time:      time.Now(),
			})
		}
	}
}
