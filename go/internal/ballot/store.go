// Package ballot tracks whether a judge's ballot for a team is locked, queued
// for delivery or waiting on an unlock request, and keeps every open window
// of that judge in agreement about it.
package ballot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/judgesync/go/internal/localstore"
	"github.com/mcdev12/judgesync/go/internal/notify"
)

// Store is the ballot lifecycle state machine backed by local storage.
//
// Mutations are serialised: read, modify, persist and publish happen under
// one lock, so two mutations of the same ballot never interleave.
type Store struct {
	storage localstore.Storage
	bus     notify.Bus
	clock   clockwork.Clock
	origin  string

	mu sync.Mutex

	watchMu  sync.Mutex
	watchers map[string]map[int]func(Snapshot)
	busSubs  map[string]notify.Subscription
	nextID   int
}

// NewStore creates a Store. bus may be nil when no other window needs to be
// told about changes.
func NewStore(storage localstore.Storage, bus notify.Bus, clock clockwork.Clock) *Store {
	if storage == nil {
		storage = localstore.NewMemoryStorage()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		storage:  storage,
		bus:      bus,
		clock:    clock,
		origin:   uuid.NewString(),
		watchers: make(map[string]map[int]func(Snapshot)),
		busSubs:  make(map[string]notify.Subscription),
	}
}

// StorageKey is the storage and notification key of a ballot:
// "<namespace>:<eventId>:<teamId>".
func StorageKey(eventID, teamID string) string {
	return localstore.Key(Namespace, eventID, teamID)
}

func queueIndexKey() string {
	return localstore.Key(Namespace, "_queued")
}

// Get returns the ballot's lifecycle, defaulting it when never written or
// unreadable.
func (s *Store) Get(eventID, teamID string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.readLocked(eventID, teamID)
	if err != nil {
		log.Warn().Err(err).Str("event_id", eventID).Str("team_id", teamID).Msg("failed to read ballot lifecycle, using defaults")
	}
	return snap
}

// Submit records a submission and locks the ballot.
func (s *Store) Submit(ctx context.Context, eventID, teamID string, payload SubmissionPayload, opts SubmitOptions) (SubmitResult, Snapshot, error) {
	result := ResultSubmitted
	snap, err := s.mutate(ctx, eventID, teamID, func(b *Snapshot) (bool, error) {
		if b.Locked {
			return false, ErrAlreadyLocked
		}
		now := s.clock.Now().UTC()
		b.Locked = true
		b.SubmissionCount++
		b.LastSubmittedAt = &now
		b.UnlockRequest = UnlockRequest{Status: UnlockIdle}
		if opts.QueueOffline {
			p := copyPayload(payload)
			b.PendingSubmissionPayload = &p
			b.QueuedSubmission = true
			result = ResultQueued
		} else {
			b.PendingSubmissionPayload = nil
			b.QueuedSubmission = false
		}
		return true, nil
	})
	if err != nil {
		return "", snap, err
	}

	log.Info().
		Str("event_id", eventID).
		Str("team_id", teamID).
		Str("result", string(result)).
		Int("submission_count", snap.SubmissionCount).
		Msg("ballot submitted")
	return result, snap, nil
}

// RequestUnlock asks the operations team to reopen the ballot. It is a no-op
// while a request is already pending.
func (s *Store) RequestUnlock(ctx context.Context, eventID, teamID, note string) (Snapshot, error) {
	return s.mutate(ctx, eventID, teamID, func(b *Snapshot) (bool, error) {
		if b.UnlockRequest.Status == UnlockPending {
			return false, nil
		}
		now := s.clock.Now().UTC()
		b.UnlockRequest = UnlockRequest{
			Status:      UnlockPending,
			Note:        trimmedOrNil(note),
			RequestedAt: &now,
		}
		return true, nil
	})
}

// CancelUnlock withdraws a pending unlock request.
func (s *Store) CancelUnlock(ctx context.Context, eventID, teamID string) (Snapshot, error) {
	return s.mutate(ctx, eventID, teamID, func(b *Snapshot) (bool, error) {
		if b.UnlockRequest.Status != UnlockPending {
			return false, nil
		}
		b.UnlockRequest = UnlockRequest{Status: UnlockIdle}
		return true, nil
	})
}

// ResolveUnlock applies the operations team's decision. Approval reopens the
// ballot and discards any queued submission.
func (s *Store) ResolveUnlock(ctx context.Context, eventID, teamID string, res Resolution) (Snapshot, error) {
	if res.Status != UnlockApproved && res.Status != UnlockRejected {
		return s.Get(eventID, teamID), fmt.Errorf("%w: %q", ErrInvalidResolution, res.Status)
	}
	return s.mutate(ctx, eventID, teamID, func(b *Snapshot) (bool, error) {
		now := s.clock.Now().UTC()
		b.UnlockRequest.Status = res.Status
		b.UnlockRequest.ResolvedAt = &now
		b.UnlockRequest.ResolutionNote = trimmedOrNil(res.ResolutionNote)
		if res.Status == UnlockApproved {
			b.Locked = false
			b.QueuedSubmission = false
			b.PendingSubmissionPayload = nil
		}
		return true, nil
	})
}

// ConfirmDelivery marks queued submission number submission as delivered.
// It is a no-op when the ballot has been resubmitted since, so a newer
// queued payload stays queued.
func (s *Store) ConfirmDelivery(ctx context.Context, eventID, teamID string, submission int) (Snapshot, error) {
	return s.mutate(ctx, eventID, teamID, func(b *Snapshot) (bool, error) {
		if !b.QueuedSubmission || b.SubmissionCount != submission {
			return false, nil
		}
		b.QueuedSubmission = false
		b.PendingSubmissionPayload = nil
		return true, nil
	})
}

// Reset forgets everything about the ballot. Used by demos and tests.
func (s *Store) Reset(ctx context.Context, eventID, teamID string) (Snapshot, error) {
	key := StorageKey(eventID, teamID)

	s.mu.Lock()
	if err := s.storage.Delete(key); err != nil {
		s.mu.Unlock()
		return s.Get(eventID, teamID), fmt.Errorf("reset ballot: %w", err)
	}
	s.updateQueueIndexLocked(Key{EventID: eventID, TeamID: teamID}, false)
	snap := newSnapshot(eventID, teamID)
	s.publishLocked(ctx, key, snap)
	s.mu.Unlock()

	s.notifyLocal(key, snap)
	return snap, nil
}

// Queued lists the ballots holding an undelivered submission.
func (s *Store) Queued() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readQueueIndexLocked()
}

// Watch calls fn with the full snapshot after every change to the ballot,
// including changes made through other Store instances sharing the bus. The
// returned func stops watching.
func (s *Store) Watch(eventID, teamID string, fn func(Snapshot)) (func(), error) {
	key := StorageKey(eventID, teamID)

	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if s.bus != nil && s.busSubs[key] == nil {
		sub, err := s.bus.Subscribe(key, func(n notify.Notification) {
			if n.Origin == s.origin {
				return
			}
			// Re-read storage rather than trusting the payload, so a late
			// notification cannot roll back a newer local read.
			s.notifyLocal(key, s.Get(eventID, teamID))
		})
		if err != nil {
			return nil, fmt.Errorf("watch ballot %s: %w", key, err)
		}
		s.busSubs[key] = sub
	}

	if s.watchers[key] == nil {
		s.watchers[key] = make(map[int]func(Snapshot))
	}
	id := s.nextID
	s.nextID++
	s.watchers[key][id] = fn

	return func() { s.unwatch(key, id) }, nil
}

func (s *Store) unwatch(key string, id int) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	delete(s.watchers[key], id)
	if len(s.watchers[key]) > 0 {
		return
	}
	delete(s.watchers, key)
	if sub := s.busSubs[key]; sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to unsubscribe ballot notifications")
		}
		delete(s.busSubs, key)
	}
}

func (s *Store) mutate(ctx context.Context, eventID, teamID string, fn func(*Snapshot) (bool, error)) (Snapshot, error) {
	key := StorageKey(eventID, teamID)

	s.mu.Lock()
	snap, err := s.readLocked(eventID, teamID)
	if err != nil {
		s.mu.Unlock()
		return snap, err
	}
	current := snap
	wasQueued := snap.QueuedSubmission
	changed, err := fn(&snap)
	if err != nil || !changed {
		s.mu.Unlock()
		return current, err
	}
	if err := localstore.WriteJSON(s.storage, key, snap); err != nil {
		s.mu.Unlock()
		return snap, fmt.Errorf("persist ballot %s: %w", key, err)
	}
	if wasQueued != snap.QueuedSubmission {
		s.updateQueueIndexLocked(Key{EventID: eventID, TeamID: teamID}, snap.QueuedSubmission)
	}
	s.publishLocked(ctx, key, snap)
	s.mu.Unlock()

	s.notifyLocal(key, snap)
	return snap, nil
}

func (s *Store) readLocked(eventID, teamID string) (Snapshot, error) {
	snap := newSnapshot(eventID, teamID)
	if _, err := localstore.ReadJSON(s.storage, StorageKey(eventID, teamID), &snap); err != nil {
		return newSnapshot(eventID, teamID), fmt.Errorf("%w: %s: %v", ErrUnreadable, StorageKey(eventID, teamID), err)
	}
	if snap.UnlockRequest.Status == "" {
		snap.UnlockRequest.Status = UnlockIdle
	}
	return snap, nil
}

func (s *Store) publishLocked(ctx context.Context, key string, snap Snapshot) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to encode ballot notification")
		return
	}
	if err := s.bus.Publish(ctx, key, s.origin, payload); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to publish ballot change")
	}
}

func (s *Store) notifyLocal(key string, snap Snapshot) {
	s.watchMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.watchers[key]))
	for _, fn := range s.watchers[key] {
		fns = append(fns, fn)
	}
	s.watchMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func (s *Store) readQueueIndexLocked() []Key {
	var keys []Key
	if _, err := localstore.ReadJSON(s.storage, queueIndexKey(), &keys); err != nil {
		log.Warn().Err(err).Msg("failed to read queued ballot index")
		return nil
	}
	return keys
}

func (s *Store) updateQueueIndexLocked(k Key, queued bool) {
	keys := s.readQueueIndexLocked()
	out := keys[:0]
	for _, existing := range keys {
		if existing != k {
			out = append(out, existing)
		}
	}
	if queued {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventID != out[j].EventID {
			return out[i].EventID < out[j].EventID
		}
		return out[i].TeamID < out[j].TeamID
	})
	if err := localstore.WriteJSON(s.storage, queueIndexKey(), out); err != nil {
		log.Warn().Err(err).Msg("failed to write queued ballot index")
	}
}

func trimmedOrNil(s string) *string {
	t := strings.TrimSpace(s)
	if t == "" {
		return nil
	}
	return &t
}

func copyPayload(p SubmissionPayload) SubmissionPayload {
	scores := make(map[string]float64, len(p.Scores))
	for k, v := range p.Scores {
		scores[k] = v
	}
	return SubmissionPayload{Scores: scores, Comments: p.Comments}
}
