package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/phuslu/log"
	"nuha.dev/gpsuplink/internal/fix"
)

const DefaultTopic = "inertial/gps"

var ErrVoidFix = errors.New("mqtt: fix not valid")

type Config struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
	QoS      byte   `mapstructure:"qos"`
}

// payload is the JSON published by gps producers on the inertial/gps topic.
type payload struct {
	Time       string   `json:"time"`
	Date       string   `json:"date"`
	Latitude   float64  `json:"lat"`
	Longitude  float64  `json:"lon"`
	SpeedKnots float64  `json:"speed_knots"`
	CourseDeg  float64  `json:"course_deg"`
	Validity   string   `json:"validity"`
	AccuracyM  *float64 `json:"accuracy_m,omitempty"`
}

// Source subscribes to an MQTT topic carrying GPS fixes.
type Source struct {
	config *Config
	log    log.Logger
}

func New(config *Config) *Source {
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	if config.ClientID == "" {
		config.ClientID = "gpsuplink"
	}
	s := &Source{config: config}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "mqtt").Str("topic", config.Topic).Value()
	return s
}

func (s *Source) Name() string {
	return "mqtt"
}

func (s *Source) Run(ctx context.Context, emit func(fix.Fix)) error {
	opts := paho.NewClientOptions().
		AddBroker(s.config.Broker).
		SetClientID(s.config.ClientID).
		SetAutoReconnect(true)
	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", s.config.Broker, token.Error())
	}
	defer client.Disconnect(250)
	s.log.Info().Str("broker", s.config.Broker).Msg("connected")

	token := client.Subscribe(s.config.Topic, s.config.QoS, func(_ paho.Client, msg paho.Message) {
		f, err := Decode(msg.Payload())
		if err != nil {
			s.log.Debug().Err(err).Msg("fix skipped")
			return
		}
		emit(f)
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", s.config.Topic, token.Error())
	}
	<-ctx.Done()
	return nil
}

// Decode converts one payload into a fix. A missing or unparsable timestamp
// falls back to the current time.
func Decode(d []byte) (fix.Fix, error) {
	var p payload
	if err := json.Unmarshal(d, &p); err != nil {
		return fix.Fix{}, err
	}
	if p.Validity != "A" {
		return fix.Fix{}, ErrVoidFix
	}
	f := fix.Fix{
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Speed:     p.SpeedKnots * fix.KnotsToMetersPerSecond,
		Bearing:   fix.NormalizeBearing(p.CourseDeg),
		Time:      time.Now(),
	}
	if p.AccuracyM != nil {
		f.Accuracy = *p.AccuracyM
	}
	if t, err := time.Parse("2006-01-02 15:04:05", p.Date+" "+p.Time); err == nil {
		f.Time = t
	}
	return f, nil
}
