package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/judgesync/go/internal/config"
	"github.com/mcdev12/judgesync/go/internal/display"
	"github.com/mcdev12/judgesync/go/internal/timer"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collaborators := setupCollaborators(ctx, cfg)
	defer collaborators.Close()

	services := setupServices(cfg, collaborators)
	if err := services.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start services")
	}
	defer services.Reset()

	hub := display.NewHub(display.DefaultConnectionConfig())
	go hub.Start(ctx)
	unwatch := services.Timer.Watch(func(v timer.View) {
		hub.BroadcastTimer(cfg.EventID, v)
	})
	defer unwatch()

	server := setupServer(cfg, services, display.NewHandler(hub, collaborators.TokenVerifier(), cfg.Display.AllowDemoTokens))

	go func() {
		log.Info().Str("addr", server.Addr).Str("event_id", cfg.EventID).Msg("judgesync listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	log.Info().Msg("judgesync stopped")
}
