package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/gpsuplink/internal/uplink/client"
	"nuha.dev/gpsuplink/internal/util"
)

type StatusSource interface {
	Status() client.Status
}

type TrailCounter interface {
	Counts() (written, failed int64)
}

type MonitoringConfig struct {
	ListenAddr string
}

type MonitoringServer struct {
	uplink StatusSource
	trail  TrailCounter
	r      chi.Router
	server *http.Server
	log    zerolog.Logger
}

type trailStatus struct {
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
}

// NewMonApi serves the uplink status on /status. trail may be nil.
func NewMonApi(uplink StatusSource, trail TrailCounter, config *MonitoringConfig) *MonitoringServer {
	m := &MonitoringServer{uplink: uplink, trail: trail}
	m.log = log.With().Str("module", "monitoring").Logger()
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		MaxAge:         300,
	}))
	r.Use(middleware.Recoverer)
	r.Get("/status", m.status)
	r.Get("/trail", m.trailCounts)
	r.Get("/healthz", m.health)
	m.r = r
	m.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return m
}

func (m *MonitoringServer) Run() error {
	m.log.Info().Str("addr", m.server.Addr).Msg("monitoring listening")
	err := m.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (m *MonitoringServer) Shutdown(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}

func (m *MonitoringServer) GetHandler() http.Handler {
	return m.r
}

func (m *MonitoringServer) status(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, m.uplink.Status())
}

func (m *MonitoringServer) trailCounts(w http.ResponseWriter, r *http.Request) {
	if m.trail == nil {
		http.Error(w, "trail disabled", http.StatusNotFound)
		return
	}
	written, failed := m.trail.Counts()
	util.JsonWrite(w, trailStatus{Written: written, Failed: failed})
}

// health reports 503 unless the uplink is ready to send.
func (m *MonitoringServer) health(w http.ResponseWriter, r *http.Request) {
	st := m.uplink.Status()
	if !st.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	w.Write([]byte(st.State))
}
