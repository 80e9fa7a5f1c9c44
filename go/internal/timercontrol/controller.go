// Package timercontrol turns operator commands into timer actions: it picks
// the preset, checks the transition is allowed and hands the action to the
// timer engine. It also issues share links for the external display.
package timercontrol

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/judgesync/go/internal/apperr"
	"github.com/mcdev12/judgesync/go/internal/collab"
	"github.com/mcdev12/judgesync/go/internal/models"
	"github.com/mcdev12/judgesync/go/internal/snapshot"
	"github.com/mcdev12/judgesync/go/internal/timer"
)

var (
	ErrInvalidTransition = errors.New("timer action not allowed in current phase")
	ErrUnknownPreset     = errors.New("unknown timer preset")
)

// Engine is the part of timer.Engine the controller drives.
type Engine interface {
	View() timer.View
	Apply(ctx context.Context, action timer.Action, opts timer.ActionOptions) (timer.Snapshot, error)
}

// Config configures a Controller.
type Config struct {
	EventID string
	Engine  Engine
	// Presets and ShareLinks may be nil; bundled presets and demo links are
	// used instead.
	Presets    collab.PresetSource
	ShareLinks collab.ShareLinkIssuer

	ShareLinkTTL   time.Duration
	DisplayBaseURL string
	ControlOwner   string
	Clock          clockwork.Clock
}

// State is the operator-facing state of the controller.
type State struct {
	Presets          []models.TimerPreset `json:"presets"`
	SelectedPresetID string               `json:"selectedPresetId"`
	PresetsFallback  bool                 `json:"presetsFallback"`
	PendingAction    timer.Action         `json:"pendingAction,omitempty"`
	ShareLink        *collab.ShareLink    `json:"shareLink,omitempty"`
	IsFallback       bool                 `json:"isFallback"`
	GeneratingLink   bool                 `json:"generatingLink"`
	Error            string               `json:"error,omitempty"`
	ShareLinkError   string               `json:"shareLinkError,omitempty"`
	LastErr          error                `json:"-"`
	ShareLinkErr     error                `json:"-"`
}

// Controller is the timer control panel of one event.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	state   State
	pending bool
}

func NewController(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ShareLinkTTL <= 0 {
		cfg.ShareLinkTTL = 12 * time.Hour
	}
	return &Controller{cfg: cfg}
}

// State returns a copy of the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyStateLocked()
}

// LoadPresets fetches the event's presets, falling back to the bundled ones,
// and keeps the selection valid.
func (c *Controller) LoadPresets(ctx context.Context) State {
	var (
		presets []models.TimerPreset
		err     error
	)
	if c.cfg.Presets == nil {
		err = collab.ErrUnavailable
	} else {
		presets, err = c.cfg.Presets.ListPresets(ctx, c.cfg.EventID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Str("event_id", c.cfg.EventID).Msg("failed to load timer presets, using bundled presets")
		c.state.Presets = snapshot.SamplePresets(c.cfg.EventID)
		c.state.PresetsFallback = true
		c.setErrLocked(apperr.NewTimerError("Timer presets unavailable, showing defaults", err))
	} else {
		c.state.Presets = append([]models.TimerPreset(nil), presets...)
		c.state.PresetsFallback = false
	}
	c.ensureSelectionLocked()
	return c.copyStateLocked()
}

// SelectPreset makes id the preset used by start and reset.
func (c *Controller) SelectPreset(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.findPresetLocked(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPreset, id)
	}
	c.state.SelectedPresetID = id
	return nil
}

// SelectedPreset returns the preset currently selected, if any.
func (c *Controller) SelectedPreset() (models.TimerPreset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findPresetLocked(c.state.SelectedPresetID)
}

func (c *Controller) Start(ctx context.Context, opts timer.ActionOptions) (timer.Snapshot, error) {
	return c.run(ctx, timer.ActionStart, opts)
}

func (c *Controller) Pause(ctx context.Context) (timer.Snapshot, error) {
	return c.run(ctx, timer.ActionPause, timer.ActionOptions{})
}

func (c *Controller) Resume(ctx context.Context) (timer.Snapshot, error) {
	return c.run(ctx, timer.ActionResume, timer.ActionOptions{})
}

func (c *Controller) Reset(ctx context.Context, opts timer.ActionOptions) (timer.Snapshot, error) {
	return c.run(ctx, timer.ActionReset, opts)
}

func (c *Controller) run(ctx context.Context, action timer.Action, opts timer.ActionOptions) (timer.Snapshot, error) {
	view := c.cfg.Engine.View()

	c.mu.Lock()
	if c.pending {
		c.mu.Unlock()
		log.Debug().Str("event_id", c.cfg.EventID).Str("action", string(action)).Msg("timer action dropped, another is pending")
		return view.Snapshot, timer.ErrActionPending
	}
	if err := checkTransition(action, view); err != nil {
		timerErr := apperr.NewTimerError(fmt.Sprintf("Cannot %s the timer while it is %s", action, view.DisplayPhase), err)
		c.setErrLocked(timerErr)
		c.mu.Unlock()
		return view.Snapshot, timerErr
	}
	resolved, err := c.resolveOptionsLocked(action, opts)
	if err != nil {
		timerErr := apperr.NewTimerError("Select a valid timer preset", err)
		c.setErrLocked(timerErr)
		c.mu.Unlock()
		return view.Snapshot, timerErr
	}
	c.pending = true
	c.state.PendingAction = action
	c.mu.Unlock()

	snap, err := c.cfg.Engine.Apply(ctx, action, resolved)

	c.mu.Lock()
	c.pending = false
	c.state.PendingAction = ""
	c.setErrLocked(err)
	c.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("event_id", c.cfg.EventID).Str("action", string(action)).Msg("timer action failed")
	}
	return snap, err
}

// checkTransition rejects actions that make no sense in the displayed phase.
func checkTransition(action timer.Action, view timer.View) error {
	phase := view.DisplayPhase
	switch action {
	case timer.ActionStart:
		if phase == timer.PhaseRunning || phase == timer.PhasePaused {
			return ErrInvalidTransition
		}
	case timer.ActionPause:
		if phase != timer.PhaseRunning {
			return ErrInvalidTransition
		}
	case timer.ActionResume:
		if phase != timer.PhasePaused {
			return ErrInvalidTransition
		}
	}
	return nil
}

// resolveOptionsLocked fills the duration of start and reset: an explicit
// duration wins, then the named preset, then the selected one.
func (c *Controller) resolveOptionsLocked(action timer.Action, opts timer.ActionOptions) (timer.ActionOptions, error) {
	if opts.ControlOwner == "" {
		opts.ControlOwner = c.cfg.ControlOwner
	}
	if action != timer.ActionStart && action != timer.ActionReset {
		return opts, nil
	}
	if opts.DurationSeconds > 0 {
		return opts, nil
	}
	id := opts.PresetID
	if id == "" {
		id = c.state.SelectedPresetID
	}
	if id == "" {
		return opts, nil
	}
	preset, ok := c.findPresetLocked(id)
	if !ok {
		return opts, fmt.Errorf("%w: %s", ErrUnknownPreset, id)
	}
	opts.PresetID = preset.ID
	opts.DurationSeconds = preset.DurationSeconds
	return opts, nil
}

// CreateShareLink asks for a time-boxed display link. When the issuer is
// unavailable a local demo link is substituted and IsFallback is set. Other
// failures keep the previous link.
func (c *Controller) CreateShareLink(ctx context.Context) (State, error) {
	c.mu.Lock()
	c.state.GeneratingLink = true
	c.mu.Unlock()

	var (
		link collab.ShareLink
		err  error
	)
	if c.cfg.ShareLinks == nil {
		err = collab.ErrUnavailable
	} else {
		link, err = c.cfg.ShareLinks.CreateShareLink(ctx, c.cfg.EventID, c.cfg.ShareLinkTTL)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.GeneratingLink = false

	switch {
	case err == nil:
		c.state.ShareLink = &link
		c.state.IsFallback = false
		c.setShareLinkErrLocked(nil)
	case errors.Is(err, collab.ErrUnavailable):
		demo := c.demoLinkLocked()
		c.state.ShareLink = &demo
		c.state.IsFallback = true
		c.setShareLinkErrLocked(nil)
		log.Warn().Err(err).Str("event_id", c.cfg.EventID).Msg("share link issuer unavailable, using demo link")
	default:
		timerErr := apperr.NewTimerError("Could not create a display link", err)
		c.setShareLinkErrLocked(timerErr)
		log.Error().Err(err).Str("event_id", c.cfg.EventID).Msg("failed to create share link")
		return c.copyStateLocked(), timerErr
	}
	return c.copyStateLocked(), nil
}

func (c *Controller) demoLinkLocked() collab.ShareLink {
	token := "demo-" + uuid.NewString()
	base := strings.TrimRight(c.cfg.DisplayBaseURL, "/")
	if base == "" {
		base = "http://localhost:8080"
	}
	return collab.ShareLink{
		URL:       fmt.Sprintf("%s/display/%s?token=%s", base, url.PathEscape(c.cfg.EventID), url.QueryEscape(token)),
		Token:     token,
		ExpiresAt: c.cfg.Clock.Now().Add(c.cfg.ShareLinkTTL),
	}
}

// ensureSelectionLocked keeps the selection pointing at a known preset,
// preferring the event default, then the first preset.
func (c *Controller) ensureSelectionLocked() {
	if _, ok := c.findPresetLocked(c.state.SelectedPresetID); ok {
		return
	}
	c.state.SelectedPresetID = ""
	for _, p := range c.state.Presets {
		if p.IsDefault {
			c.state.SelectedPresetID = p.ID
			return
		}
	}
	if len(c.state.Presets) > 0 {
		c.state.SelectedPresetID = c.state.Presets[0].ID
	}
}

func (c *Controller) findPresetLocked(id string) (models.TimerPreset, bool) {
	if id == "" {
		return models.TimerPreset{}, false
	}
	for _, p := range c.state.Presets {
		if p.ID == id {
			return p, true
		}
	}
	return models.TimerPreset{}, false
}

func (c *Controller) setErrLocked(err error) {
	c.state.LastErr = err
	c.state.Error = apperr.UserMessage(err)
}

func (c *Controller) setShareLinkErrLocked(err error) {
	c.state.ShareLinkErr = err
	c.state.ShareLinkError = apperr.UserMessage(err)
}

func (c *Controller) copyStateLocked() State {
	s := c.state
	s.Presets = append([]models.TimerPreset(nil), c.state.Presets...)
	if c.state.ShareLink != nil {
		link := *c.state.ShareLink
		s.ShareLink = &link
	}
	return s
}
