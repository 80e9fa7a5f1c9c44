package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds connection settings for the NATS-backed bus.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "judgesync.changes",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSBus is a Bus shared by every process connected to the same NATS server.
type NATSBus struct {
	nc     *nats.Conn
	config NATSConfig
}

func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSBus{nc: nc, config: cfg}, nil
}

// Subject maps a notification key onto a NATS subject.
func (b *NATSBus) Subject(key string) string {
	return subjectFor(b.config.SubjectPrefix, key)
}

func subjectFor(prefix, key string) string {
	token := strings.NewReplacer(":", ".", " ", "_", "*", "_", ">", "_").Replace(key)
	return prefix + "." + token
}

func (b *NATSBus) Publish(_ context.Context, key, origin string, payload []byte) error {
	data, err := json.Marshal(Notification{
		Key:     key,
		Origin:  origin,
		Payload: payload,
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if err := b.nc.Publish(b.Subject(key), data); err != nil {
		// Fire-and-forget: other observers catch up on their next read.
		log.Warn().Err(err).Str("key", key).Msg("failed to publish change notification")
	}
	return nil
}

func (b *NATSBus) Subscribe(key string, fn Handler) (Subscription, error) {
	sub, err := b.nc.Subscribe(b.Subject(key), func(msg *nats.Msg) {
		var n Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to decode change notification")
			return
		}
		fn(n)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	return sub, nil
}

// Close drains subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	if b.nc == nil {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
