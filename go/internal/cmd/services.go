package main

import (
	"github.com/mcdev12/judgesync/go/internal/config"
	"github.com/mcdev12/judgesync/go/internal/core"
)

func setupServices(cfg *config.Config, c *Collaborators) *core.Services {
	// Wire up dependency injection chain
	// Collaborators → Deps → core.Services (storage → ballots → caches → timer → controller)
	var deps core.Deps

	if c.Local != nil {
		deps.Storage = c.Local
	}
	if c.NATS != nil {
		deps.Bus = c.NATS
	}
	if c.Feed != nil {
		deps.Feed = c.Feed
	}
	if c.Repo != nil {
		deps.Rankings = c.Repo
		deps.Criteria = c.Repo
		deps.Presets = c.Repo
		deps.ShareLinks = c.Repo
		deps.TimerBackend = c.Repo
		deps.Deliverer = c.Repo
	}
	if c.Auth != nil {
		deps.Auth = c.Auth
	}

	settings := core.DefaultSettings(cfg.EventID)
	settings.Rankings.PollInterval = cfg.Sync.PollInterval
	settings.Rankings.StaleAfter = cfg.Sync.StaleAfter
	settings.Timer.PollInterval = cfg.Sync.TimerPollInterval
	settings.Timer.TickInterval = cfg.Sync.TickInterval
	settings.Timer.DriftTolerance = cfg.Sync.DriftTolerance
	settings.Timer.DriftRefreshCooldown = cfg.Sync.DriftRefreshCooldown
	settings.ShareLinkTTL = cfg.Display.ShareLinkTTL
	settings.DisplayBaseURL = cfg.Display.BaseURL
	settings.ControlOwner = cfg.Display.ControlOwner

	return core.New(deps, settings)
}
