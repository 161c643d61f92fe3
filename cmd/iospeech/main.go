package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/project-unisonOS/unison-io-speech/internal/config"
	"github.com/project-unisonOS/unison-io-speech/internal/events"
	"github.com/project-unisonOS/unison-io-speech/internal/httpapi"
	"github.com/project-unisonOS/unison-io-speech/internal/logging"
	"github.com/project-unisonOS/unison-io-speech/internal/observability"
	"github.com/project-unisonOS/unison-io-speech/internal/session"
	"github.com/project-unisonOS/unison-io-speech/internal/stt"
	"github.com/project-unisonOS/unison-io-speech/internal/transcripts"
	"github.com/project-unisonOS/unison-io-speech/internal/tts"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Init(logging.DefaultConfig())
		log.Fatal().Err(err).Msg("config error")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := transcripts.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("transcript store init failed")
	}
	defer store.Close()

	publisher := events.New(events.Config{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		Enabled: cfg.KafkaEnabled,
	})
	defer publisher.Close()

	var provider stt.Provider
	switch strings.ToLower(strings.TrimSpace(cfg.STTProvider)) {
	case "", "stub":
		provider = stt.NewStubProvider(stt.StubConfig{
			PartialInterval: cfg.STTPartialInterval,
			CaptureDir:      cfg.STTCaptureDir,
		})
		log.Info().Msg("stt provider: stub")
	default:
		log.Fatal().Str("provider", cfg.STTProvider).Msg("unknown STT_PROVIDER")
	}

	synth := tts.NewMockSynthesizer(tts.MockConfig{Pace: true})

	registry := session.NewRegistry(cfg.MaxSessions, cfg.IdleTimeout)

	api := httpapi.New(cfg, registry, store, publisher, metrics, provider, synth)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	registry.StartJanitor(runCtx, cfg.JanitorInterval)

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}
