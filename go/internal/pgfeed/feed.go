// Package pgfeed turns Postgres LISTEN/NOTIFY into the realtime change feed
// consumed by the caches and the timer engine.
package pgfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/judgesync/go/internal/collab"
)

type FeedConfig struct {
	DatabaseURL   string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel string        // Channel name to LISTEN on
	PingInterval  time.Duration // How often to ping the listener connection
	MinReconnect  time.Duration
	MaxReconnect  time.Duration
}

func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		NotifyChannel: "judgesync_changes",
		PingInterval:  90 * time.Second,
		MinReconnect:  10 * time.Second,
		MaxReconnect:  time.Minute,
	}
}

type subKey struct {
	topic   collab.Topic
	eventID string
}

// Feed fans notifications out to subscribers by topic and event.
type Feed struct {
	cfg      FeedConfig
	listener *pq.Listener

	mu     sync.RWMutex
	status collab.ChannelStatus
	subs   map[subKey]map[int]collab.ChangeHandlers
	nextID int
}

var _ collab.Feed = (*Feed)(nil)

// NewFeed opens the listener connection and starts listening on the
// configured channel.
func NewFeed(cfg FeedConfig) (*Feed, error) {
	f := newFeed(cfg)
	l := pq.NewListener(
		cfg.DatabaseURL,
		cfg.MinReconnect,
		cfg.MaxReconnect,
		f.handleListenerEvent,
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}
	f.listener = l

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for notifications")
	return f, nil
}

func newFeed(cfg FeedConfig) *Feed {
	def := DefaultFeedConfig()
	if cfg.NotifyChannel == "" {
		cfg.NotifyChannel = def.NotifyChannel
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.MinReconnect <= 0 {
		cfg.MinReconnect = def.MinReconnect
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = def.MaxReconnect
	}
	return &Feed{
		cfg:    cfg,
		status: collab.ChannelConnecting,
		subs:   make(map[subKey]map[int]collab.ChangeHandlers),
	}
}

// Subscribe registers h for changes of topic on eventID. OnStatus is called
// right away with the current connection status.
func (f *Feed) Subscribe(_ context.Context, topic collab.Topic, eventID string, h collab.ChangeHandlers) (collab.Subscription, error) {
	key := subKey{topic: topic, eventID: eventID}

	f.mu.Lock()
	if f.subs[key] == nil {
		f.subs[key] = make(map[int]collab.ChangeHandlers)
	}
	id := f.nextID
	f.nextID++
	f.subs[key][id] = h
	status := f.status
	f.mu.Unlock()

	if h.OnStatus != nil {
		h.OnStatus(status)
	}
	return &subscription{feed: f, key: key, id: id}, nil
}

type subscription struct {
	feed *Feed
	key  subKey
	id   int
	once sync.Once
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs[s.key], s.id)
		if len(s.feed.subs[s.key]) == 0 {
			delete(s.feed.subs, s.key)
		}
		s.feed.mu.Unlock()
	})
	return nil
}

// Start delivers notifications until ctx is done, then closes the listener.
func (f *Feed) Start(ctx context.Context) error {
	if f.listener == nil {
		return errors.New("pgfeed: listener not initialised")
	}
	log.Info().
		Str("channel", f.cfg.NotifyChannel).
		Dur("ping_interval", f.cfg.PingInterval).
		Msg("change feed started")

	pingTicker := time.NewTicker(f.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("change feed shutting down")
			return f.Close()
		case note := <-f.listener.Notify:
			if note == nil {
				// The connection was re-established; anything sent meanwhile
				// was lost, so every subscriber refetches.
				f.broadcastRefetch()
				continue
			}
			if err := f.dispatch(note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle notification")
			}
		case <-pingTicker.C:
			if err := f.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (f *Feed) Close() error {
	f.setStatus(collab.ChannelClosed, nil)
	if f.listener == nil {
		return nil
	}
	return f.listener.Close()
}

// ParseNotification decodes a NOTIFY payload of the form
// {"topic": ..., "event_id": ..., "record": {...}}.
func ParseNotification(extra string) (collab.Change, error) {
	var ch collab.Change
	if err := json.Unmarshal([]byte(extra), &ch); err != nil {
		return collab.Change{}, fmt.Errorf("invalid notification payload: %w", err)
	}
	if ch.Topic == "" || ch.EventID == "" {
		return collab.Change{}, fmt.Errorf("notification missing topic or event_id: %s", extra)
	}
	if string(ch.Record) == "null" {
		ch.Record = nil
	}
	return ch, nil
}

func (f *Feed) dispatch(extra string) error {
	ch, err := ParseNotification(extra)
	if err != nil {
		return err
	}

	f.mu.RLock()
	handlers := make([]collab.ChangeHandlers, 0, len(f.subs[subKey{ch.Topic, ch.EventID}]))
	for _, h := range f.subs[subKey{ch.Topic, ch.EventID}] {
		handlers = append(handlers, h)
	}
	f.mu.RUnlock()

	for _, h := range handlers {
		if h.OnChange != nil {
			h.OnChange(ch)
		}
	}
	log.Debug().Str("topic", string(ch.Topic)).Str("event_id", ch.EventID).Int("subscribers", len(handlers)).Msg("change dispatched")
	return nil
}

func (f *Feed) broadcastRefetch() {
	f.mu.RLock()
	type target struct {
		key subKey
		h   collab.ChangeHandlers
	}
	var targets []target
	for key, hs := range f.subs {
		for _, h := range hs {
			targets = append(targets, target{key, h})
		}
	}
	f.mu.RUnlock()

	for _, t := range targets {
		if t.h.OnChange != nil {
			t.h.OnChange(collab.Change{Topic: t.key.topic, EventID: t.key.eventID})
		}
	}
}

func (f *Feed) handleListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		f.setStatus(collab.ChannelOpen, nil)
	case pq.ListenerEventDisconnected:
		log.Warn().Err(err).Msg("change feed disconnected, reconnecting")
		f.setStatus(collab.ChannelConnecting, err)
	case pq.ListenerEventConnectionAttemptFailed:
		log.Error().Err(err).Msg("change feed connection attempt failed")
		f.setStatus(collab.ChannelError, err)
	}
}

func (f *Feed) setStatus(status collab.ChannelStatus, err error) {
	f.mu.Lock()
	if f.status == status && err == nil {
		f.mu.Unlock()
		return
	}
	f.status = status
	var handlers []collab.ChangeHandlers
	for _, hs := range f.subs {
		for _, h := range hs {
			handlers = append(handlers, h)
		}
	}
	f.mu.Unlock()

	for _, h := range handlers {
		if h.OnStatus != nil {
			h.OnStatus(status)
		}
		if err != nil && h.OnError != nil {
			h.OnError(err)
		}
	}
}
