package timer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"

	"github.com/mcdev12/judgesync/go/internal/apperr"
	"github.com/mcdev12/judgesync/go/internal/collab"
)

// ConnectionState mirrors the lifecycle of the realtime subscription.
type ConnectionState string

const (
	ConnIdle       ConnectionState = "idle"
	ConnConnecting ConnectionState = "connecting"
	ConnOpen       ConnectionState = "open"
	ConnClosed     ConnectionState = "closed"
	ConnError      ConnectionState = "error"
)

// Backend is the hosted timer.
type Backend interface {
	FetchTimer(ctx context.Context, eventID string) (Snapshot, error)
	ApplyAction(ctx context.Context, eventID string, action Action, opts ActionOptions) (Snapshot, error)
}

// Config configures an Engine.
type Config struct {
	EventID string
	// Backend may be nil, in which case the engine runs the demo countdown.
	Backend Backend
	// Feed delivers push updates. Optional.
	Feed collab.Feed

	TickInterval         time.Duration
	PollInterval         time.Duration
	DriftTolerance       time.Duration
	DriftRefreshCooldown time.Duration
	FetchRetries         uint64
	RetryBaseDelay       time.Duration

	// Clock drives tickers and measures elapsed time between ticks.
	Clock clockwork.Clock
	// WallClock reads the time compared against hosted timestamps. Defaults
	// to Clock.
	WallClock clockwork.Clock
}

func DefaultConfig() Config {
	return Config{
		TickInterval:         250 * time.Millisecond,
		PollInterval:         15 * time.Second,
		DriftTolerance:       400 * time.Millisecond,
		DriftRefreshCooldown: 5 * time.Second,
		FetchRetries:         2,
		RetryBaseDelay:       250 * time.Millisecond,
	}
}

// View is what a countdown display renders.
type View struct {
	Snapshot        Snapshot        `json:"snapshot"`
	RemainingMs     int64           `json:"remainingMs"`
	DisplayPhase    Phase           `json:"displayPhase"`
	Countdown       CountdownParts  `json:"countdown"`
	DriftMs         int64           `json:"driftMs"`
	Connection      ConnectionState `json:"connection"`
	IsOffline       bool            `json:"isOffline"`
	Refreshing      bool            `json:"refreshing"`
	PendingActionID ActionID        `json:"pendingActionId,omitempty"`
	Error           string          `json:"error,omitempty"`
	Err             error           `json:"-"`
}

// Engine holds the canonical countdown of one event.
type Engine struct {
	cfg   Config
	clock clockwork.Clock
	wall  clockwork.Clock

	mu         sync.Mutex
	snap       Snapshot
	pending    *PendingAction
	conn       ConnectionState
	offline    bool
	err        error
	refreshing bool

	driftMs          int64
	baseline         bool
	lastRemaining    int64
	lastTickAt       time.Time
	lastDriftRefresh time.Time

	generation     uint64
	cancelInflight context.CancelFunc

	watchers    map[int]func(View)
	nextWatcher int
}

func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.DriftTolerance <= 0 {
		cfg.DriftTolerance = def.DriftTolerance
	}
	if cfg.DriftRefreshCooldown <= 0 {
		cfg.DriftRefreshCooldown = def.DriftRefreshCooldown
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.WallClock == nil {
		cfg.WallClock = cfg.Clock
	}

	return &Engine{
		cfg:      cfg,
		clock:    cfg.Clock,
		wall:     cfg.WallClock,
		snap:     DemoSnapshot(cfg.EventID, cfg.WallClock.Now()),
		conn:     ConnIdle,
		watchers: make(map[int]func(View)),
	}
}

// View returns the countdown as of now.
func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

// Pending returns the action waiting for the hosted timer, if any.
func (e *Engine) Pending() (PendingAction, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return PendingAction{}, false
	}
	return *e.pending, true
}

// Watch registers fn for every view change, including every tick while
// running. The returned func removes it.
func (e *Engine) Watch(fn func(View)) func() {
	e.mu.Lock()
	id := e.nextWatcher
	e.nextWatcher++
	e.watchers[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.watchers, id)
		e.mu.Unlock()
	}
}

// Run fetches the countdown, subscribes to push updates, then ticks and polls
// until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	refresh := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Refresh(ctx)
		}()
	}
	defer wg.Wait()
	defer e.abort()

	e.Refresh(ctx)

	wakeCh := make(chan struct{}, 1)
	if sub := e.subscribe(ctx, wakeCh); sub != nil {
		defer func() {
			if err := sub.Unsubscribe(); err != nil {
				log.Warn().Err(err).Str("event_id", e.cfg.EventID).Msg("failed to unsubscribe timer feed")
			}
			e.setConnection(ConnClosed)
		}()
	}

	tick := e.clock.NewTicker(e.cfg.TickInterval)
	defer tick.Stop()

	var pollCh <-chan time.Time
	if e.cfg.PollInterval > 0 {
		poll := e.clock.NewTicker(e.cfg.PollInterval)
		defer poll.Stop()
		pollCh = poll.Chan()
	}

	log.Info().
		Str("event_id", e.cfg.EventID).
		Dur("tick", e.cfg.TickInterval).
		Dur("poll", e.cfg.PollInterval).
		Msg("timer engine started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("event_id", e.cfg.EventID).Msg("timer engine stopped")
			return nil
		case <-tick.Chan():
			if e.tick() {
				refresh()
			}
		case <-wakeCh:
			refresh()
		case <-pollCh:
			refresh()
		}
	}
}

// Refresh re-fetches the hosted countdown, superseding a fetch in flight.
// A failed fetch keeps the snapshot already held and flags the view offline.
func (e *Engine) Refresh(ctx context.Context) View {
	e.mu.Lock()
	e.abortLocked()
	e.generation++
	gen := e.generation
	reqCtx, cancel := context.WithCancel(ctx)
	e.cancelInflight = cancel
	e.refreshing = true
	e.mu.Unlock()

	snap, err := e.fetchWithRetry(reqCtx)
	cancel()

	e.mu.Lock()
	if gen != e.generation {
		view := e.viewLocked()
		e.mu.Unlock()
		log.Debug().Str("event_id", e.cfg.EventID).Uint64("generation", gen).Msg("discarding superseded timer fetch")
		return view
	}
	e.cancelInflight = nil
	e.refreshing = false

	if err == nil {
		snap.Source = SourceNetwork
		snap.FetchedAt = e.wall.Now()
		if snap.EventID == "" {
			snap.EventID = e.cfg.EventID
		}
		e.reconcileLocked(snap)
		e.offline = false
		e.err = nil
	} else {
		e.offline = true
		e.err = apperr.NewTimerError("Live timer unavailable, showing the last known countdown", err)
		log.Warn().
			Err(err).
			Str("event_id", e.cfg.EventID).
			Str("source", string(e.snap.Source)).
			Msg("timer fetch failed, keeping current snapshot")
	}
	view := e.viewLocked()
	e.mu.Unlock()

	e.emit(view)
	return view
}

// Push applies a push-delivered authoritative snapshot. It reports whether
// the snapshot became current.
func (e *Engine) Push(s Snapshot) bool {
	s.Source = SourceNetwork
	s.FetchedAt = e.wall.Now()
	if s.EventID == "" {
		s.EventID = e.cfg.EventID
	}

	e.mu.Lock()
	applied := e.reconcileLocked(s)
	view := e.viewLocked()
	e.mu.Unlock()

	if applied {
		e.emit(view)
	}
	return applied
}

// Begin exposes the optimistic result of action immediately and records it
// as pending. Only one action may be pending at a time.
func (e *Engine) Begin(action Action, opts ActionOptions) (PendingAction, error) {
	if !validAction(action) {
		return PendingAction{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	now := e.wall.Now()
	e.mu.Lock()
	if e.pending != nil {
		id := e.pending.ID
		e.mu.Unlock()
		log.Debug().Str("event_id", e.cfg.EventID).Str("pending_action_id", string(id)).Str("action", string(action)).Msg("dropping timer action while another is pending")
		return PendingAction{}, ErrActionPending
	}
	p := &PendingAction{
		ID:         ActionID(uuid.NewString()),
		Action:     action,
		Options:    opts,
		Previous:   e.snap,
		Optimistic: DeriveOptimisticSnapshot(e.snap, action, opts, now),
		State:      ActionPendingState,
		IssuedAt:   now,
	}
	e.pending = p
	e.setSnapshotLocked(p.Optimistic)
	e.err = nil
	view := e.viewLocked()
	e.mu.Unlock()

	e.emit(view)
	return *p, nil
}

// Confirm settles action id with the authoritative snapshot. If id is no
// longer pending, the snapshot is reconciled like any other update. It
// reports whether id was confirmed by this call.
func (e *Engine) Confirm(id ActionID, authoritative Snapshot) bool {
	authoritative.Source = SourceNetwork
	authoritative.FetchedAt = e.wall.Now()
	if authoritative.EventID == "" {
		authoritative.EventID = e.cfg.EventID
	}

	e.mu.Lock()
	confirmed := false
	if p := e.pending; p != nil && p.ID == id {
		p.State = ActionConfirmed
		e.pending = nil
		e.setSnapshotLocked(authoritative)
		confirmed = true
	} else {
		e.reconcileLocked(authoritative)
	}
	view := e.viewLocked()
	e.mu.Unlock()

	e.emit(view)
	return confirmed
}

// Revert restores the snapshot held before action id and surfaces err. It is
// a no-op when id is not the pending action, so a late failure can never
// undo a newer action or a confirmation that already arrived.
func (e *Engine) Revert(id ActionID, err error) bool {
	e.mu.Lock()
	p := e.pending
	if p == nil || p.ID != id {
		e.mu.Unlock()
		log.Debug().Str("event_id", e.cfg.EventID).Str("action_id", string(id)).Msg("ignoring revert of settled timer action")
		return false
	}
	p.State = ActionReverted
	e.pending = nil
	e.setSnapshotLocked(p.Previous)
	e.err = err
	view := e.viewLocked()
	e.mu.Unlock()

	log.Warn().Err(err).Str("event_id", e.cfg.EventID).Str("action", string(p.Action)).Msg("timer action reverted")
	e.emit(view)
	return true
}

// Apply runs action through the full optimistic protocol: begin, ask the
// hosted timer, then confirm or revert.
func (e *Engine) Apply(ctx context.Context, action Action, opts ActionOptions) (Snapshot, error) {
	p, err := e.Begin(action, opts)
	if err != nil {
		return e.View().Snapshot, err
	}

	var result Snapshot
	if e.cfg.Backend == nil {
		err = collab.ErrUnavailable
	} else {
		result, err = e.cfg.Backend.ApplyAction(ctx, e.cfg.EventID, action, opts)
	}
	if err != nil {
		timerErr := apperr.NewTimerError(fmt.Sprintf("Could not %s the timer", action), err)
		e.Revert(p.ID, timerErr)
		return e.View().Snapshot, timerErr
	}

	e.Confirm(p.ID, result)
	log.Info().
		Str("event_id", e.cfg.EventID).
		Str("action", string(action)).
		Int64("revision", result.Revision).
		Msg("timer action confirmed")
	return e.View().Snapshot, nil
}

// tick recomputes the remaining time and measures drift against the value
// extrapolated from the previous tick. It reports whether a drift resync is
// due.
func (e *Engine) tick() bool {
	now := e.clock.Now()
	wall := e.wall.Now()

	e.mu.Lock()
	remaining := CalculateRemainingMs(e.snap, wall)
	var drift int64
	if e.baseline && e.snap.Phase == PhaseRunning {
		expected := e.lastRemaining - now.Sub(e.lastTickAt).Milliseconds()
		if expected < 0 {
			expected = 0
		}
		drift = remaining - expected
	}
	e.baseline = true
	e.lastRemaining = remaining
	e.lastTickAt = now
	e.driftMs = drift

	resync := false
	if IsDriftBeyondTolerance(drift, e.cfg.DriftTolerance.Milliseconds()) {
		if e.lastDriftRefresh.IsZero() || now.Sub(e.lastDriftRefresh) >= e.cfg.DriftRefreshCooldown {
			e.lastDriftRefresh = now
			resync = true
		}
	}
	view := e.viewLocked()
	e.mu.Unlock()

	if resync {
		log.Warn().
			Str("event_id", e.cfg.EventID).
			Int64("drift_ms", drift).
			Msg("timer drift beyond tolerance, resyncing")
	}
	e.emit(view)
	return resync
}

func (e *Engine) subscribe(ctx context.Context, wakeCh chan<- struct{}) collab.Subscription {
	if e.cfg.Feed == nil {
		return nil
	}
	e.setConnection(ConnConnecting)

	wake := func() {
		select {
		case wakeCh <- struct{}{}:
		default:
		}
	}
	sub, err := e.cfg.Feed.Subscribe(ctx, collab.TopicTimer, e.cfg.EventID, collab.ChangeHandlers{
		OnChange: func(ch collab.Change) {
			if len(ch.Record) == 0 {
				wake()
				return
			}
			var s Snapshot
			if err := json.Unmarshal(ch.Record, &s); err != nil {
				log.Warn().Err(err).Str("event_id", e.cfg.EventID).Msg("undecodable timer push, refetching")
				wake()
				return
			}
			e.Push(s)
		},
		OnStatus: func(status collab.ChannelStatus) {
			e.setConnection(connectionFromChannel(status))
		},
		OnError: func(err error) {
			log.Warn().Err(err).Str("event_id", e.cfg.EventID).Msg("timer feed error")
			e.setConnection(ConnError)
		},
	})
	if err != nil {
		log.Warn().Err(err).Str("event_id", e.cfg.EventID).Msg("timer feed subscribe failed, relying on polling")
		e.setConnection(ConnError)
		return nil
	}
	return sub
}

func connectionFromChannel(s collab.ChannelStatus) ConnectionState {
	switch s {
	case collab.ChannelConnecting:
		return ConnConnecting
	case collab.ChannelOpen:
		return ConnOpen
	case collab.ChannelClosed:
		return ConnClosed
	default:
		return ConnError
	}
}

func (e *Engine) setConnection(state ConnectionState) {
	e.mu.Lock()
	if e.conn == state {
		e.mu.Unlock()
		return
	}
	e.conn = state
	view := e.viewLocked()
	e.mu.Unlock()

	log.Debug().Str("event_id", e.cfg.EventID).Str("connection", string(state)).Msg("timer feed connection changed")
	e.emit(view)
}

// reconcileLocked offers an authoritative snapshot. While an action is
// pending, a snapshot at or beyond the optimistic revision in the phase the
// action leads to confirms it. Anything else, including another operator's
// action, only refreshes what a revert would restore; the pending action is
// then settled by its own Confirm or Revert.
func (e *Engine) reconcileLocked(incoming Snapshot) bool {
	if p := e.pending; p != nil {
		if incoming.Revision >= p.Optimistic.Revision && incoming.Phase == p.Optimistic.Phase {
			p.State = ActionConfirmed
			e.pending = nil
			e.setSnapshotLocked(incoming)
			log.Debug().Str("event_id", e.cfg.EventID).Str("action_id", string(p.ID)).Int64("revision", incoming.Revision).Msg("timer action confirmed by update")
			return true
		}
		if incoming.Revision > p.Previous.Revision {
			p.Previous = incoming
		}
		return false
	}

	cur := e.snap
	switch {
	case cur.Source == SourceFallback:
	case incoming.Revision > cur.Revision:
	case incoming.Revision == cur.Revision && cur.Source == SourceOptimistic:
	default:
		return false
	}
	e.setSnapshotLocked(incoming)
	return true
}

func (e *Engine) setSnapshotLocked(s Snapshot) {
	e.snap = s
	e.baseline = false
	e.driftMs = 0
}

func (e *Engine) fetchWithRetry(ctx context.Context) (Snapshot, error) {
	if e.cfg.Backend == nil {
		return Snapshot{}, collab.ErrUnavailable
	}

	backoff := retry.WithMaxRetries(e.cfg.FetchRetries, retry.NewFibonacci(e.cfg.RetryBaseDelay))
	var snap Snapshot
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := e.cfg.Backend.FetchTimer(ctx, e.cfg.EventID)
		if err != nil {
			if errors.Is(err, collab.ErrUnavailable) || errors.Is(err, context.Canceled) {
				return err
			}
			return retry.RetryableError(err)
		}
		snap = s
		return nil
	})
	return snap, err
}

func (e *Engine) viewLocked() View {
	remaining := CalculateRemainingMs(e.snap, e.wall.Now())
	v := View{
		Snapshot:     e.snap,
		RemainingMs:  remaining,
		DisplayPhase: DisplayPhase(e.snap, remaining),
		Countdown:    GetCountdownParts(remaining),
		DriftMs:      e.driftMs,
		Connection:   e.conn,
		IsOffline:    e.offline,
		Refreshing:   e.refreshing,
		Err:          e.err,
		Error:        apperr.UserMessage(e.err),
	}
	if e.pending != nil {
		v.PendingActionID = e.pending.ID
	}
	return v
}

func (e *Engine) abort() {
	e.mu.Lock()
	e.abortLocked()
	e.mu.Unlock()
}

func (e *Engine) abortLocked() {
	if e.cancelInflight != nil {
		e.cancelInflight()
		e.cancelInflight = nil
	}
}

func (e *Engine) emit(view View) {
	e.mu.Lock()
	fns := make([]func(View), 0, len(e.watchers))
	for _, fn := range e.watchers {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(view)
	}
}
