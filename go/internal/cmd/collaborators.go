package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/judgesync/go/internal/auth"
	"github.com/mcdev12/judgesync/go/internal/config"
	"github.com/mcdev12/judgesync/go/internal/display"
	"github.com/mcdev12/judgesync/go/internal/localstore"
	"github.com/mcdev12/judgesync/go/internal/notify"
	"github.com/mcdev12/judgesync/go/internal/pgdata"
	"github.com/mcdev12/judgesync/go/internal/pgfeed"
)

// Collaborators are the external systems the binary managed to reach. Each
// one is optional; the core runs on local fallbacks for whatever is missing.
type Collaborators struct {
	Pool  *pgxpool.Pool
	Repo  *pgdata.Repository
	Feed  *pgfeed.Feed
	NATS  *notify.NATSBus
	Local *localstore.SQLiteStorage
	Auth  *auth.Client
}

func setupCollaborators(ctx context.Context, cfg *config.Config) *Collaborators {
	c := &Collaborators{}

	if cfg.LocalStorePath != "" {
		store, err := localstore.Open(cfg.LocalStorePath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.LocalStorePath).Msg("local store unavailable, keeping state in memory")
		} else {
			c.Local = store
		}
	}

	if cfg.Database.Enabled {
		pool, err := pgdata.Connect(ctx, cfg.Database.DSN())
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, running on cached and sample data")
		} else {
			c.Pool = pool
			c.Repo = pgdata.NewRepository(pool, pgdata.Config{
				DisplayBaseURL: cfg.Display.BaseURL,
				JudgeID:        cfg.JudgeID,
			})
			log.Info().Str("host", cfg.Database.Host).Str("database", cfg.Database.Name).Msg("connected to database")
		}

		feedCfg := pgfeed.DefaultFeedConfig()
		feedCfg.DatabaseURL = cfg.Database.DSN()
		feedCfg.NotifyChannel = cfg.Database.NotifyChannel
		feed, err := pgfeed.NewFeed(feedCfg)
		if err != nil {
			log.Warn().Err(err).Msg("realtime feed unavailable, relying on polling")
		} else {
			c.Feed = feed
			go func() {
				if err := feed.Start(ctx); err != nil {
					log.Error().Err(err).Msg("realtime feed stopped")
				}
			}()
		}
	}

	if cfg.NATS.URL != "" {
		natsCfg := notify.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		bus, err := notify.NewNATSBus(natsCfg)
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, change notifications stay in-process")
		} else {
			c.NATS = bus
		}
	}

	if cfg.Auth.BaseURL != "" {
		c.Auth = auth.NewClient(auth.Config{
			BaseURL:    cfg.Auth.BaseURL,
			APIKey:     cfg.Auth.APIKey,
			RedirectTo: cfg.Auth.RedirectTo,
			Timeout:    cfg.Auth.Timeout,
		})
	}

	return c
}

// TokenVerifier returns the repository when the database is reachable.
func (c *Collaborators) TokenVerifier() display.TokenVerifier {
	if c.Repo == nil {
		return nil
	}
	return c.Repo
}

func (c *Collaborators) Close() {
	if c.Feed != nil {
		if err := c.Feed.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close realtime feed")
		}
	}
	if c.NATS != nil {
		if err := c.NATS.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close NATS connection")
		}
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
	if c.Local != nil {
		if err := c.Local.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close local store")
		}
	}
}
