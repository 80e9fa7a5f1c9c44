// Package core wires the judging components of one event together.
package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/judgesync/go/internal/apperr"
	"github.com/mcdev12/judgesync/go/internal/ballot"
	"github.com/mcdev12/judgesync/go/internal/collab"
	"github.com/mcdev12/judgesync/go/internal/localstore"
	"github.com/mcdev12/judgesync/go/internal/notify"
	"github.com/mcdev12/judgesync/go/internal/snapshot"
	"github.com/mcdev12/judgesync/go/internal/timer"
	"github.com/mcdev12/judgesync/go/internal/timercontrol"
)

var ErrAlreadyStarted = errors.New("services already started")

// Deps are the collaborators handed to Services. Any of them may be nil;
// components then run on local fallbacks.
type Deps struct {
	Storage      localstore.Storage
	Bus          notify.Bus
	Feed         collab.Feed
	Rankings     collab.RankingsSource
	Criteria     collab.CriteriaSource
	Presets      collab.PresetSource
	ShareLinks   collab.ShareLinkIssuer
	TimerBackend timer.Backend
	Deliverer    ballot.Deliverer
	Auth         collab.AuthService
}

// Settings are the tunables of the wired components.
type Settings struct {
	EventID        string
	Rankings       snapshot.Options
	Criteria       snapshot.Options
	Timer          timer.Config
	Outbox         ballot.OutboxConfig
	FlushInterval  time.Duration
	ShareLinkTTL   time.Duration
	DisplayBaseURL string
	ControlOwner   string
	Clock          clockwork.Clock
}

func DefaultSettings(eventID string) Settings {
	return Settings{
		EventID:       eventID,
		Rankings:      snapshot.DefaultRankingsOptions(),
		Criteria:      snapshot.DefaultCriteriaOptions(),
		Timer:         timer.DefaultConfig(),
		Outbox:        ballot.DefaultOutboxConfig(),
		FlushInterval: 30 * time.Second,
		ShareLinkTTL:  12 * time.Hour,
	}
}

// Services is the explicitly constructed context of one event. Init starts
// the background loops; Reset stops them and rebuilds every component from
// the same deps.
type Services struct {
	deps     Deps
	settings Settings
	ownBus   *notify.LocalBus

	Storage  *localstore.Resilient
	Bus      notify.Bus
	Auth     collab.AuthService
	Ballots  *ballot.Store
	Outbox   *ballot.Outbox
	Rankings *snapshot.RankingsCache
	Criteria *snapshot.CriteriaCache
	Timer    *timer.Engine
	Control  *timercontrol.Controller

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(deps Deps, settings Settings) *Services {
	if settings.Clock == nil {
		settings.Clock = clockwork.NewRealClock()
	}
	s := &Services{deps: deps, settings: settings}
	s.build()
	return s
}

// build wires the components. Dependency order: storage and bus → ballots →
// caches → timer engine → controller.
func (s *Services) build() {
	s.Storage = localstore.NewResilient(s.deps.Storage)

	s.Bus = s.deps.Bus
	s.ownBus = nil
	if s.Bus == nil {
		s.ownBus = notify.NewLocalBus(notify.DefaultLocalBusConfig())
		s.Bus = s.ownBus
	}
	s.Auth = s.deps.Auth

	clock := s.settings.Clock
	s.Ballots = ballot.NewStore(s.Storage, s.Bus, clock)
	if s.deps.Deliverer != nil {
		s.Outbox = ballot.NewOutbox(s.Ballots, s.deps.Deliverer, s.settings.Outbox)
	} else {
		s.Outbox = nil
	}

	s.Rankings = snapshot.NewRankingsCache(s.deps.Rankings, s.cacheOptions(s.settings.Rankings))
	s.Criteria = snapshot.NewCriteriaCache(s.deps.Criteria, s.cacheOptions(s.settings.Criteria))

	tcfg := s.settings.Timer
	tcfg.EventID = s.settings.EventID
	tcfg.Backend = s.deps.TimerBackend
	tcfg.Feed = s.deps.Feed
	tcfg.Clock = clock
	s.Timer = timer.NewEngine(tcfg)

	s.Control = timercontrol.NewController(timercontrol.Config{
		EventID:        s.settings.EventID,
		Engine:         s.Timer,
		Presets:        s.deps.Presets,
		ShareLinks:     s.deps.ShareLinks,
		ShareLinkTTL:   s.settings.ShareLinkTTL,
		DisplayBaseURL: s.settings.DisplayBaseURL,
		ControlOwner:   s.settings.ControlOwner,
		Clock:          clock,
	})
}

func (s *Services) cacheOptions(opts snapshot.Options) snapshot.Options {
	opts.Storage = s.Storage
	opts.Feed = s.deps.Feed
	opts.Clock = s.settings.Clock
	return opts
}

func (s *Services) EventID() string {
	return s.settings.EventID
}

// AuthService returns the hosted auth service, or an AuthError when none is
// configured.
func (s *Services) AuthService() (collab.AuthService, error) {
	if s.Auth == nil {
		return nil, apperr.NewAuthError("Sign-in is unavailable right now", collab.ErrUnavailable)
	}
	return s.Auth, nil
}

// SubmitBallot delivers a judge's ballot for teamID and locks it. When
// delivery fails the ballot is still locked, its payload is queued for the
// outbox and the result is ResultQueued together with a ScoringDataError.
func (s *Services) SubmitBallot(ctx context.Context, teamID string, payload ballot.SubmissionPayload) (ballot.SubmitResult, ballot.Snapshot, error) {
	eventID := s.settings.EventID
	if snap := s.Ballots.Get(eventID, teamID); snap.Locked {
		return "", snap, ballot.ErrAlreadyLocked
	}

	deliverErr := collab.ErrUnavailable
	if s.deps.Deliverer != nil {
		deliverErr = s.deps.Deliverer.DeliverBallot(ctx, eventID, teamID, payload)
	}

	result, snap, err := s.Ballots.Submit(ctx, eventID, teamID, payload, ballot.SubmitOptions{QueueOffline: deliverErr != nil})
	if err != nil {
		return result, snap, err
	}
	if deliverErr != nil {
		log.Warn().
			Err(deliverErr).
			Str("event_id", eventID).
			Str("team_id", teamID).
			Msg("ballot delivery failed, queued on this device")
		return result, snap, apperr.NewScoringDataError("Your ballot is saved on this device and will be sent once you are back online", deliverErr)
	}
	return result, snap, nil
}

// Init loads presets and starts the caches, the timer engine, the local bus
// and the outbox flusher. The loops run until Reset or until ctx is done.
func (s *Services) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	eventID := s.settings.EventID
	if s.ownBus != nil {
		s.spawn("bus", func() error {
			s.ownBus.Start(runCtx)
			return nil
		})
	}

	s.Control.LoadPresets(ctx)

	s.spawn("rankings", func() error { return s.Rankings.Run(runCtx, eventID) })
	s.spawn("criteria", func() error { return s.Criteria.Run(runCtx, eventID) })
	s.spawn("timer", func() error { return s.Timer.Run(runCtx) })
	if s.Outbox != nil && s.settings.FlushInterval > 0 {
		s.spawn("outbox", func() error {
			s.flushLoop(runCtx)
			return nil
		})
	}

	log.Info().Str("event_id", eventID).Msg("services started")
	return nil
}

// Reset stops every loop started by Init and rebuilds the components, so the
// next Init starts from empty in-memory state. Persisted local data is kept.
func (s *Services) Reset() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.build()

	log.Info().Str("event_id", s.settings.EventID).Msg("services reset")
}

func (s *Services) spawn(name string, fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil {
			log.Error().Err(err).Str("component", name).Msg("component stopped with error")
		}
	}()
}

func (s *Services) flushLoop(ctx context.Context) {
	ticker := s.settings.Clock.NewTicker(s.settings.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			n, err := s.Outbox.FlushAll(ctx)
			if err != nil {
				log.Warn().Err(err).Int("delivered", n).Msg("queued ballots not fully delivered")
				continue
			}
			if n > 0 {
				log.Info().Int("delivered", n).Msg("queued ballots delivered")
			}
		}
	}
}
