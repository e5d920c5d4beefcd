package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/gpsuplink/internal/broker"
	"nuha.dev/gpsuplink/internal/uplink/frame"
)

func main() {
	debug := flag.Bool("debug", true, "sets log level to debug")
	listenAddr := flag.String("address", ":8080", "address to listen to")
	sendDest := flag.String("send_dest", "/app/location", "destination the device sends to")
	topic := flag.String("topic", "/topic/locations", "topic SEND frames are relayed to")
	flag.Parse()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	br := broker.NewBroker(&broker.BrokerConfig{
		Addr:  *listenAddr,
		Relay: map[string]string{*sendDest: *topic},
		OnFrame: func(cid uint64, f *frame.Frame) {
			if f.Command != frame.SEND {
				return
			}
			dest, _ := f.Get(frame.HdrDestination)
			log.Info().Uint64("cid", cid).Str("destination", dest).Bytes("body", f.Body).Msg("location received")
		},
	})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)
		<-sig
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		br.Shutdown(ctx)
	}()
	if err := br.Run(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("broker stopped")
	}
}
