// Package snapshot serves event-scoped data (rankings, scoring criteria) from
// the network when possible and from the last good local copy when not.
//
// A Cache never fails a read: it always resolves to some displayable
// snapshot, flagging the state offline and attaching the error when the
// network path degraded.
package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/judgesync/go/internal/collab"
	"github.com/mcdev12/judgesync/go/internal/localstore"
)

// Source records where a snapshot came from.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceRealtime Source = "realtime"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// Snapshot is a point-in-time copy of event data. It is never mutated once
// created; a fresher fetch replaces it.
type Snapshot[T any] struct {
	EventID   string    `json:"eventId"`
	Payload   T         `json:"payload"`
	FetchedAt time.Time `json:"fetchedAt"`
	Source    Source    `json:"source"`
}

// State is what a consumer renders.
type State[T any] struct {
	Snapshot  *Snapshot[T]
	Loading   bool
	IsOffline bool
	IsStale   bool
	Err       error
}

// FetchFunc loads fresh data for an event from the collaborator.
type FetchFunc[T any] func(ctx context.Context, eventID string) (T, error)

// Config wires a Cache instance.
type Config[T any] struct {
	// Namespace scopes storage keys, e.g. "rankings".
	Namespace string
	// Topic is the realtime stream that triggers a refetch.
	Topic    collab.Topic
	Fetch    FetchFunc[T]
	Fallback func(eventID string) T
	// WrapError converts a fetch failure into the domain error type.
	WrapError func(error) error

	Storage      localstore.Storage
	Feed         collab.Feed
	PollInterval time.Duration
	StaleAfter   time.Duration
	Clock        clockwork.Clock
}

// Cache is a fetch / persist / serve-stale-on-failure view of one event's data.
type Cache[T any] struct {
	cfg Config[T]

	mu       sync.Mutex
	eventID  string
	state    State[T]
	lastGood *Snapshot[T]

	// generation increases with every issued request; only the result of the
	// latest one is applied.
	generation     uint64
	cancelInflight context.CancelFunc

	watchers    map[int]func(State[T])
	nextWatcher int
}

func NewCache[T any](cfg Config[T]) *Cache[T] {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Storage == nil {
		cfg.Storage = localstore.NewMemoryStorage()
	}
	if cfg.WrapError == nil {
		cfg.WrapError = func(err error) error { return err }
	}
	return &Cache[T]{
		cfg:      cfg,
		watchers: make(map[int]func(State[T])),
	}
}

// Load switches the cache to eventID. A persisted snapshot, if any, is exposed
// immediately; then a network fetch runs and its outcome is returned.
func (c *Cache[T]) Load(ctx context.Context, eventID string) State[T] {
	c.mu.Lock()
	if c.eventID != eventID {
		c.abortLocked()
		c.eventID = eventID
		c.state = State[T]{}
		c.lastGood = nil
	}
	if persisted := c.readPersisted(eventID); persisted != nil {
		c.lastGood = persisted
		c.state.Snapshot = persisted
	}
	c.state.Loading = true
	state := c.currentLocked()
	c.mu.Unlock()

	c.emit(state)
	return c.fetch(ctx, SourceNetwork)
}

// Refresh re-fetches the current event, superseding any request in flight.
func (c *Cache[T]) Refresh(ctx context.Context) State[T] {
	return c.fetch(ctx, SourceNetwork)
}

// State returns the current state with staleness evaluated now.
func (c *Cache[T]) State() State[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked()
}

// IsStale reports whether the current snapshot is older than the configured
// threshold, regardless of whether the last fetch succeeded.
func (c *Cache[T]) IsStale() bool {
	return c.State().IsStale
}

// Watch registers fn for every state change. The returned func removes it.
func (c *Cache[T]) Watch(fn func(State[T])) func() {
	c.mu.Lock()
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// Run mounts the cache on eventID: it loads, subscribes to realtime changes
// and polls until ctx is done, then tears everything down.
func (c *Cache[T]) Run(ctx context.Context, eventID string) error {
	c.Load(ctx, eventID)

	wakeCh := make(chan struct{}, 1)
	if c.cfg.Feed != nil {
		sub, err := c.cfg.Feed.Subscribe(ctx, c.cfg.Topic, eventID, collab.ChangeHandlers{
			OnChange: func(collab.Change) {
				select {
				case wakeCh <- struct{}{}:
				default:
				}
			},
			OnError: func(err error) {
				log.Warn().Err(err).Str("namespace", c.cfg.Namespace).Str("event_id", eventID).Msg("realtime subscription error")
			},
		})
		if err != nil {
			log.Warn().Err(err).Str("namespace", c.cfg.Namespace).Str("event_id", eventID).Msg("realtime subscribe failed, relying on polling")
		} else {
			defer func() {
				if err := sub.Unsubscribe(); err != nil {
					log.Warn().Err(err).Str("namespace", c.cfg.Namespace).Msg("failed to unsubscribe realtime feed")
				}
			}()
		}
	}

	var pollCh <-chan time.Time
	if c.cfg.PollInterval > 0 {
		ticker := c.cfg.Clock.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()
		pollCh = ticker.Chan()
	}

	defer c.abort()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-wakeCh:
			c.fetch(ctx, SourceRealtime)
		case <-pollCh:
			c.fetch(ctx, SourceNetwork)
		}
	}
}

func (c *Cache[T]) fetch(ctx context.Context, source Source) State[T] {
	c.mu.Lock()
	eventID := c.eventID
	if eventID == "" {
		state := c.currentLocked()
		c.mu.Unlock()
		return state
	}
	c.abortLocked()
	c.generation++
	gen := c.generation
	reqCtx, cancel := context.WithCancel(ctx)
	c.cancelInflight = cancel
	c.state.Loading = true
	c.mu.Unlock()

	payload, err := c.cfg.Fetch(reqCtx, eventID)
	cancel()

	c.mu.Lock()
	if gen != c.generation || eventID != c.eventID {
		state := c.currentLocked()
		c.mu.Unlock()
		log.Debug().
			Str("namespace", c.cfg.Namespace).
			Str("event_id", eventID).
			Uint64("generation", gen).
			Msg("discarding superseded fetch result")
		return state
	}
	c.cancelInflight = nil

	now := c.cfg.Clock.Now()
	if err == nil {
		snap := &Snapshot[T]{EventID: eventID, Payload: payload, FetchedAt: now, Source: source}
		c.persist(snap)
		c.lastGood = snap
		c.state = State[T]{Snapshot: snap}
	} else {
		wrapped := c.cfg.WrapError(err)
		if c.lastGood != nil {
			cached := *c.lastGood
			cached.Source = SourceCache
			c.state = State[T]{Snapshot: &cached, IsOffline: true, Err: wrapped}
			log.Warn().Err(err).Str("namespace", c.cfg.Namespace).Str("event_id", eventID).Msg("fetch failed, serving cached snapshot")
		} else {
			var sample T
			if c.cfg.Fallback != nil {
				sample = c.cfg.Fallback(eventID)
			}
			c.state = State[T]{
				Snapshot:  &Snapshot[T]{EventID: eventID, Payload: sample, FetchedAt: now, Source: SourceFallback},
				IsOffline: true,
				Err:       wrapped,
			}
			log.Warn().Err(err).Str("namespace", c.cfg.Namespace).Str("event_id", eventID).Msg("fetch failed with nothing cached, serving sample data")
		}
	}
	state := c.currentLocked()
	c.mu.Unlock()

	c.emit(state)
	return state
}

func (c *Cache[T]) currentLocked() State[T] {
	state := c.state
	if state.Snapshot != nil && c.cfg.StaleAfter > 0 {
		state.IsStale = c.cfg.Clock.Since(state.Snapshot.FetchedAt) > c.cfg.StaleAfter
	}
	return state
}

func (c *Cache[T]) abort() {
	c.mu.Lock()
	c.abortLocked()
	c.mu.Unlock()
}

func (c *Cache[T]) abortLocked() {
	if c.cancelInflight != nil {
		c.cancelInflight()
		c.cancelInflight = nil
	}
}

func (c *Cache[T]) storageKey(eventID string) string {
	return localstore.Key(c.cfg.Namespace, eventID)
}

func (c *Cache[T]) readPersisted(eventID string) *Snapshot[T] {
	var snap Snapshot[T]
	ok, err := localstore.ReadJSON(c.cfg.Storage, c.storageKey(eventID), &snap)
	if err != nil {
		log.Warn().Err(err).Str("namespace", c.cfg.Namespace).Str("event_id", eventID).Msg("failed to read persisted snapshot")
		return nil
	}
	if !ok {
		return nil
	}
	return &snap
}

func (c *Cache[T]) persist(snap *Snapshot[T]) {
	if err := localstore.WriteJSON(c.cfg.Storage, c.storageKey(snap.EventID), snap); err != nil {
		log.Warn().Err(err).Str("namespace", c.cfg.Namespace).Str("event_id", snap.EventID).Msg("failed to persist snapshot")
	}
}

func (c *Cache[T]) emit(state State[T]) {
	c.mu.Lock()
	fns := make([]func(State[T]), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}
