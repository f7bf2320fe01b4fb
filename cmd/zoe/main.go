package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adam-doco/Zoe/internal/assets"
	"github.com/adam-doco/Zoe/internal/audio"
	"github.com/adam-doco/Zoe/internal/config"
	"github.com/adam-doco/Zoe/internal/device"
	"github.com/adam-doco/Zoe/internal/gateway"
	"github.com/adam-doco/Zoe/internal/observability"
	"github.com/adam-doco/Zoe/internal/session"
	"github.com/adam-doco/Zoe/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	identity, err := device.LoadOrCreateIdentity(cfg.DeviceFile)
	if err != nil {
		log.Fatalf("device identity init failed: %v", err)
	}
	log.Printf("device %s (client %s)", identity.MACAddress, identity.ClientID)

	provisioner := device.NewProvisioner(device.Config{
		OTABaseURL:   cfg.OTABaseURL,
		PollInterval: cfg.ActivationInterval,
		MaxAttempts:  cfg.ActivationAttempts,
	}, identity)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	store, err := assets.NewStore(runCtx, assets.Options{
		Backend:     cfg.AssetBackend,
		TTL:         cfg.AssetTTL,
		Dir:         cfg.AssetDir,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		log.Fatalf("asset store init failed: %v", err)
	}
	defer store.Close()
	assets.StartSweeper(runCtx, store, cfg.AssetSweep)

	sessions := session.NewManager(cfg.MaxSessions, cfg.SessionIdleTimeout, cfg.FrontendGraceWindow)
	sessions.SetCloseHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("destroyed").Inc()
		metrics.ActiveSessions.Set(float64(sessions.Count()))
	})
	sessions.StartJanitor(runCtx, cfg.JanitorInterval)

	geom := audio.DefaultGeometry()
	newUpstream := func() gateway.Upstream {
		return upstream.NewClient(upstream.Config{
			AudioParams: upstream.AudioParams{
				Format:        "opus",
				SampleRate:    geom.SampleRate,
				Channels:      geom.Channels,
				FrameDuration: geom.FrameDuration,
			},
			Origin:               cfg.WSOrigin,
			ConnectTimeout:       cfg.ConnectTimeout,
			HandshakeTimeout:     cfg.HandshakeTimeout,
			HeartbeatInterval:    cfg.HeartbeatInterval,
			ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			OnReconnect:          metrics.UpstreamReconnects.Inc,
		}, provisioner)
	}

	api := gateway.New(cfg, sessions, store, metrics, newUpstream, nil, nil)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("gateway listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
