// Package app wires the server together: configuration, logging, store,
// registry, transport, and shutdown sequencing.
package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"deepforge/server/internal/auth"
	"deepforge/server/internal/config"
	"deepforge/server/internal/metrics"
	"deepforge/server/internal/store"
	"deepforge/server/internal/world"
	"deepforge/server/internal/ws"
)

// Run starts the server and blocks until ctx is cancelled, then performs the
// graceful shutdown sequence: stop accepting, drain worlds, flush, exit.
func Run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return errors.Wrap(err, "build logger")
	}
	defer log.Sync()

	st, err := store.OpenSQLite(cfg.StoreEndpoint)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer st.Close()

	instanceID := uuid.NewString()
	log.Info("starting server",
		zap.String("instance", instanceID),
		zap.String("bind", cfg.BindAddr),
		zap.String("region", cfg.Region))

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	verifier := auth.NewVerifier(auth.Config{
		Issuer:        cfg.AuthIssuer,
		Audience:      cfg.AuthAudience,
		AllowUnsigned: cfg.AuthAllowUnsigned,
	}, st)
	if cfg.AuthAllowUnsigned {
		log.Warn("unsigned tokens are accepted; do not run this way in production")
	}

	registry := world.NewRegistry(world.RegistryConfig{
		InstanceID: instanceID,
		PublicURL:  cfg.PublicURL,
	}, st, verifier, clock.New(), log, m)

	if err := registry.Startup(ctx); err != nil {
		// Orphaned rows only affect routing; the server can still run.
		log.Warn("startup session cleanup failed", zap.Error(err))
	}

	loopCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()
	go registry.Run(loopCtx)

	gate := ws.NewGate(cfg.Origins())
	handler := ws.NewHandler(registry, gate, log, m)

	started := time.Now()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.Handle)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, registry, instanceID, cfg.Region, started)
	})

	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}

	log.Info("shutting down", zap.Duration("grace", cfg.ShutdownGrace))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	srv.Shutdown(shutdownCtx)
	registry.Shutdown(shutdownCtx)
	stopLoops()

	log.Info("shutdown complete")
	return nil
}

type worldStatus struct {
	ID           string `json:"id"`
	Participants int    `json:"participants"`
}

type statusPayload struct {
	Status     string        `json:"status"`
	Instance   string        `json:"instance"`
	Region     string        `json:"region,omitempty"`
	ServerTime int64         `json:"server_time"`
	UptimeSecs int64         `json:"uptime_seconds"`
	Worlds     []worldStatus `json:"worlds"`
}

func writeStatus(w http.ResponseWriter, registry *world.Registry, instanceID, region string, started time.Time) {
	worlds := registry.Worlds()
	payload := statusPayload{
		Status:     "ok",
		Instance:   instanceID,
		Region:     region,
		ServerTime: time.Now().UnixMilli(),
		UptimeSecs: int64(time.Since(started).Seconds()),
		Worlds:     make([]worldStatus, 0, len(worlds)),
	}
	for _, wld := range worlds {
		payload.Worlds = append(payload.Worlds, worldStatus{
			ID:           wld.ID(),
			Participants: wld.ParticipantCount(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func buildLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
