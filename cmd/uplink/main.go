package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"nuha.dev/gpsuplink/internal/fix"
	"nuha.dev/gpsuplink/internal/fix/mqtt"
	"nuha.dev/gpsuplink/internal/fix/nmea"
	"nuha.dev/gpsuplink/internal/fix/sim"
	"nuha.dev/gpsuplink/internal/trail"
	"nuha.dev/gpsuplink/internal/uplink/client"
	"nuha.dev/gpsuplink/internal/uplink/sample"
	"nuha.dev/gpsuplink/internal/uplink/session"
	"nuha.dev/gpsuplink/internal/util"
	"nuha.dev/gpsuplink/internal/web/monitoring"
)

func setDefaults(v *viper.Viper) {
	def := client.DefaultConfig()
	sdef := session.DefaultConfig()
	v.SetDefault("endpoint", "ws://localhost:8080/ws")
	v.SetDefault("transport", session.BackendNhooyr)
	v.SetDefault("subject_id", "")
	v.SetDefault("retry.base", def.Retry.Base)
	v.SetDefault("retry.cap", def.Retry.Cap)
	v.SetDefault("retry.max_attempts", def.Retry.MaxAttempts)
	v.SetDefault("connect_timeout", sdef.ConnectTimeout)
	v.SetDefault("send_queue", sdef.QueueSize)
	v.SetDefault("stomp.accept_version", def.AcceptVersion)
	v.SetDefault("stomp.heartbeat", def.HeartBeat)
	v.SetDefault("stomp.subscribe_id", def.SubscribeID)
	v.SetDefault("stomp.subscribe_destination", def.SubscribeDestination)
	v.SetDefault("stomp.send_destination", def.SendDestination)
	v.SetDefault("stomp.content_type", def.ContentType)
	v.SetDefault("source.kind", "sim")
	v.SetDefault("source.nmea.port", "/dev/serial0")
	v.SetDefault("source.nmea.baud", 9600)
	v.SetDefault("source.nmea.uere", nmea.DefaultUERE)
	v.SetDefault("source.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("source.mqtt.topic", mqtt.DefaultTopic)
	v.SetDefault("source.mqtt.client_id", "gpsuplink")
	v.SetDefault("source.mqtt.qos", 0)
	v.SetDefault("source.sim.interval", time.Second)
	v.SetDefault("source.sim.start_lat", -6.2)
	v.SetDefault("source.sim.start_lon", 106.8)
	v.SetDefault("source.sim.speed", 1.4)
	v.SetDefault("source.sim.seed", 0)
	v.SetDefault("monitoring.addr", "")
	v.SetDefault("trail.db_url", "")
	v.SetDefault("trail.table", "uplink_trail")
	v.SetDefault("trail.buf_size", 64)
	v.SetDefault("trail.flush_every", 5*time.Second)
	v.SetDefault("log_level", "info")
}

func loadConfig(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("UPLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}
	return v, nil
}

func clientConfig(v *viper.Viper) *client.Config {
	c := client.DefaultConfig()
	c.Endpoint = v.GetString("endpoint")
	c.AcceptVersion = v.GetString("stomp.accept_version")
	c.HeartBeat = v.GetString("stomp.heartbeat")
	c.SubscribeID = v.GetString("stomp.subscribe_id")
	c.SubscribeDestination = v.GetString("stomp.subscribe_destination")
	c.SendDestination = v.GetString("stomp.send_destination")
	c.ContentType = v.GetString("stomp.content_type")
	c.Retry.Base = v.GetDuration("retry.base")
	c.Retry.Cap = v.GetDuration("retry.cap")
	c.Retry.MaxAttempts = v.GetInt("retry.max_attempts")
	return c
}

func newSource(v *viper.Viper) (fix.Source, error) {
	switch kind := v.GetString("source.kind"); kind {
	case "sim":
		return sim.New(&sim.Config{
			Interval: v.GetDuration("source.sim.interval"),
			StartLat: v.GetFloat64("source.sim.start_lat"),
			StartLon: v.GetFloat64("source.sim.start_lon"),
			Speed:    v.GetFloat64("source.sim.speed"),
			Seed:     v.GetInt64("source.sim.seed"),
		}), nil
	case "nmea":
		return nmea.New(&nmea.Config{
			Port: v.GetString("source.nmea.port"),
			Baud: v.GetUint("source.nmea.baud"),
			UERE: v.GetFloat64("source.nmea.uere"),
		}), nil
	case "mqtt":
		return mqtt.New(&mqtt.Config{
			Broker:   v.GetString("source.mqtt.broker"),
			Topic:    v.GetString("source.mqtt.topic"),
			ClientID: v.GetString("source.mqtt.client_id"),
			QoS:      byte(v.GetUint("source.mqtt.qos")),
		}), nil
	default:
		return nil, fmt.Errorf("unknown source %q", kind)
	}
}

func main() {
	configPath := flag.String("config", "", "config file (yaml, toml or json)")
	initTrail := flag.Bool("init-trail", false, "create the trail table and exit")
	flag.Parse()

	v, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	log.DefaultLogger.Level = log.ParseLevel(v.GetString("log_level"))
	if lvl, err := zerolog.ParseLevel(v.GetString("log_level")); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tr *trail.Trail
	trailDone := make(chan struct{})
	trailCtx, stopTrail := context.WithCancel(context.Background())
	if url := v.GetString("trail.db_url"); url != "" {
		pool, err := pgxpool.Connect(ctx, url)
		if err != nil {
			log.Fatal().Err(err).Msg("trail database")
		}
		defer pool.Close()
		if *initTrail {
			if err := trail.CreateTable(ctx, pool, v.GetString("trail.table")); err != nil {
				log.Fatal().Err(err).Msg("creating trail table")
			}
			log.Info().Str("table", v.GetString("trail.table")).Msg("trail table ready")
			return
		}
		tr = trail.NewTrail(pool, &trail.TrailConfig{
			Table:      v.GetString("trail.table"),
			BufSize:    v.GetInt("trail.buf_size"),
			FlushEvery: v.GetDuration("trail.flush_every"),
		})
		go func() {
			tr.Run(trailCtx)
			close(trailDone)
		}()
	} else {
		if *initTrail {
			log.Fatal().Msg("-init-trail needs trail.db_url")
		}
		close(trailDone)
	}

	sconf := session.DefaultConfig()
	sconf.ConnectTimeout = v.GetDuration("connect_timeout")
	sconf.QueueSize = v.GetInt("send_queue")
	dialer, err := session.NewDialer(v.GetString("transport"), sconf)
	if err != nil {
		log.Fatal().Err(err).Msg("transport")
	}

	subject := v.GetString("subject_id")
	if subject == "" {
		subject = util.GenUUID()
	}

	c, err := client.New(dialer, clientConfig(v), client.Hooks{
		OnDrop: func(s sample.Sample, err error) {
			if tr != nil {
				tr.Put(s, err)
			}
		},
		OnExhausted: func(err error) {
			log.Error().Err(err).Msg("giving up on broker")
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("uplink config")
	}

	src, err := newSource(v)
	if err != nil {
		log.Fatal().Err(err).Msg("source")
	}

	var mon *monitoring.MonitoringServer
	if addr := v.GetString("monitoring.addr"); addr != "" {
		var counter monitoring.TrailCounter
		if tr != nil {
			counter = tr
		}
		mon = monitoring.NewMonApi(c, counter, &monitoring.MonitoringConfig{ListenAddr: addr})
		go func() {
			if err := mon.Run(); err != nil {
				log.Error().Err(err).Msg("monitoring server")
			}
		}()
	}

	log.Info().Str("endpoint", v.GetString("endpoint")).Str("transport", dialer.Backend()).Str("subject", subject).Str("source", src.Name()).Msg("starting uplink")
	if err := c.Start(); err != nil {
		log.Fatal().Err(err).Msg("start")
	}

	srcCtx, stopSource := context.WithCancel(ctx)
	srcDone := make(chan error, 1)
	go func() {
		srcDone <- src.Run(srcCtx, func(f fix.Fix) {
			s, err := sample.New(subject, f.Latitude, f.Longitude, f.Accuracy, f.Speed, f.Bearing)
			if err != nil {
				log.Warn().Err(err).Msg("fix rejected")
				return
			}
			if err := c.Send(s); err == nil && tr != nil {
				tr.Put(s, nil)
			}
		})
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-srcDone:
		if err != nil {
			log.Error().Err(err).Str("source", src.Name()).Msg("source stopped")
		}
	case <-c.Done():
	}
	stopSource()
	c.Shutdown()
	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		log.Warn().Msg("uplink did not close in time")
	}
	if mon != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		mon.Shutdown(sctx)
		cancel()
	}
	stopTrail()
	<-trailDone

	st := c.Status()
	log.Info().Uint64("sent", st.Sent).Uint64("dropped", st.Dropped).Msg("uplink stopped")
	if c.Err() != nil {
		os.Exit(1)
	}
}
