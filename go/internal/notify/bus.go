// Package notify fans out change notifications between every observer of the
// same ballot key, whether in another window, process or device.
//
// Delivery is fire-and-forget. Receivers treat a notification as a hint and
// re-read the authoritative local storage instead of trusting the payload.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Notification is a single change announcement for a key.
type Notification struct {
	Key     string          `json:"key"`
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sentAt"`
}

// Handler receives notifications for a subscribed key.
type Handler func(Notification)

// Subscription detaches a handler from the bus.
type Subscription interface {
	Unsubscribe() error
}

// Bus publishes and delivers notifications keyed by "<namespace>:<eventId>:<teamId>".
type Bus interface {
	Publish(ctx context.Context, key, origin string, payload []byte) error
	Subscribe(key string, fn Handler) (Subscription, error)
}

// LocalBusConfig tunes the in-process bus.
type LocalBusConfig struct {
	BufferSize int
}

func DefaultLocalBusConfig() LocalBusConfig {
	return LocalBusConfig{BufferSize: 256}
}

// LocalBus is an in-process Bus. Publish enqueues onto a buffered channel that
// Start drains; when the buffer is full the notification is dropped.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[*localSubscriber]bool
	broadcastCh chan Notification
}

type localSubscriber struct {
	id  string
	key string
	fn  Handler
	bus *LocalBus
}

func NewLocalBus(cfg LocalBusConfig) *LocalBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultLocalBusConfig().BufferSize
	}
	return &LocalBus{
		subscribers: make(map[string]map[*localSubscriber]bool),
		broadcastCh: make(chan Notification, cfg.BufferSize),
	}
}

// Start delivers queued notifications until ctx is done.
func (b *LocalBus) Start(ctx context.Context) {
	log.Debug().Msg("local notification bus started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("local notification bus shutting down")
			return
		case n := <-b.broadcastCh:
			b.deliver(n)
		}
	}
}

func (b *LocalBus) Publish(_ context.Context, key, origin string, payload []byte) error {
	n := Notification{Key: key, Origin: origin, Payload: payload, SentAt: time.Now().UTC()}
	select {
	case b.broadcastCh <- n:
	default:
		log.Warn().Str("key", key).Msg("notification buffer full, dropping change notification")
	}
	return nil
}

func (b *LocalBus) Subscribe(key string, fn Handler) (Subscription, error) {
	sub := &localSubscriber{id: uuid.NewString(), key: key, fn: fn, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[key] == nil {
		b.subscribers[key] = make(map[*localSubscriber]bool)
	}
	b.subscribers[key][sub] = true

	log.Debug().
		Str("subscriber_id", sub.id).
		Str("key", key).
		Int("total_subscribers", len(b.subscribers[key])).
		Msg("subscriber registered")
	return sub, nil
}

func (s *localSubscriber) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subscribers[s.key]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.subscribers, s.key)
		}
	}
	return nil
}

func (b *LocalBus) deliver(n Notification) {
	b.mu.RLock()
	subs := b.subscribers[n.Key]
	targets := make([]*localSubscriber, 0, len(subs))
	for sub := range subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.fn(n)
	}
}

// SubscriberCount reports how many handlers observe key.
func (b *LocalBus) SubscriberCount(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[key])
}
