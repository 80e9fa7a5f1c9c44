package ballot

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"

	"github.com/mcdev12/judgesync/go/internal/apperr"
)

// Deliverer sends a ballot to the hosted database.
type Deliverer interface {
	DeliverBallot(ctx context.Context, eventID, teamID string, payload SubmissionPayload) error
}

// OutboxConfig tunes delivery retries.
type OutboxConfig struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	Jitter     time.Duration
}

func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		MaxRetries: 3,
		BaseDelay:  200 * time.Millisecond,
		Jitter:     100 * time.Millisecond,
	}
}

// Outbox delivers submissions that were queued while offline.
type Outbox struct {
	store     *Store
	deliverer Deliverer
	cfg       OutboxConfig
}

func NewOutbox(store *Store, deliverer Deliverer, cfg OutboxConfig) *Outbox {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultOutboxConfig().BaseDelay
	}
	return &Outbox{store: store, deliverer: deliverer, cfg: cfg}
}

// Flush delivers the queued submission of one ballot and clears the queue on
// success. On failure the queue is left untouched.
func (o *Outbox) Flush(ctx context.Context, eventID, teamID string) (Snapshot, error) {
	snap := o.store.Get(eventID, teamID)
	if !snap.QueuedSubmission || snap.PendingSubmissionPayload == nil {
		return snap, ErrNothingQueued
	}
	payload := *snap.PendingSubmissionPayload

	if err := o.deliverWithRetry(ctx, eventID, teamID, payload); err != nil {
		log.Warn().
			Err(err).
			Str("event_id", eventID).
			Str("team_id", teamID).
			Msg("queued ballot delivery failed, keeping it queued")
		return snap, apperr.NewScoringDataError("Your ballot is saved on this device and will be sent once you are back online", err)
	}

	confirmed, err := o.store.ConfirmDelivery(ctx, eventID, teamID, snap.SubmissionCount)
	if err != nil {
		return confirmed, err
	}
	if confirmed.QueuedSubmission {
		log.Info().
			Str("event_id", eventID).
			Str("team_id", teamID).
			Int("delivered_submission", snap.SubmissionCount).
			Int("queued_submission", confirmed.SubmissionCount).
			Msg("ballot resubmitted during delivery, newer submission stays queued")
		return confirmed, nil
	}
	log.Info().Str("event_id", eventID).Str("team_id", teamID).Msg("queued ballot delivered")
	return confirmed, nil
}

// FlushAll attempts every queued ballot and returns how many were delivered
// together with the errors of the ones that were not.
func (o *Outbox) FlushAll(ctx context.Context) (int, error) {
	var (
		delivered int
		errs      []error
	)
	for _, k := range o.store.Queued() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := o.Flush(ctx, k.EventID, k.TeamID); err != nil {
			if errors.Is(err, ErrNothingQueued) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}

func (o *Outbox) deliverWithRetry(ctx context.Context, eventID, teamID string, payload SubmissionPayload) error {
	backoff := retry.NewFibonacci(o.cfg.BaseDelay)
	backoff = retry.WithMaxRetries(o.cfg.MaxRetries, backoff)
	if o.cfg.Jitter > 0 {
		backoff = retry.WithJitter(o.cfg.Jitter, backoff)
	}

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := o.deliverer.DeliverBallot(ctx, eventID, teamID, payload); err != nil {
			log.Debug().
				Err(err).
				Int("attempt", attempt).
				Str("event_id", eventID).
				Str("team_id", teamID).
				Msg("ballot delivery attempt failed")
			return retry.RetryableError(err)
		}
		return nil
	})
}
