// Package timer keeps a shared event countdown in step with the hosted
// database: it recomputes the remaining time on every tick, applies control
// actions optimistically and corrects itself when the local clock drifts.
package timer

import (
	"time"
)

// Phase is the lifecycle phase of a countdown.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhasePaused    Phase = "paused"
	PhaseCompleted Phase = "completed"
)

// Source tells where a snapshot came from.
type Source string

const (
	SourceNetwork    Source = "network"
	SourceFallback   Source = "fallback"
	SourceOptimistic Source = "optimistic"
)

// Action is a control command issued against a countdown.
type Action string

const (
	ActionStart  Action = "start"
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionReset  Action = "reset"
)

// DefaultDurationSeconds is the duration of the demo countdown shown when the
// hosted timer cannot be reached.
const DefaultDurationSeconds = 420

// Snapshot is the state of an event countdown. Remaining time is never
// stored; it is always derived from the phase and timestamps.
type Snapshot struct {
	EventID         string     `json:"eventId"`
	Phase           Phase      `json:"phase"`
	DurationSeconds int        `json:"durationSeconds"`
	StartedAt       *time.Time `json:"startedAt"`
	PausedAt        *time.Time `json:"pausedAt"`
	ControlOwner    *string    `json:"controlOwner"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	Revision        int64      `json:"revision"`
	FetchedAt       time.Time  `json:"fetchedAt"`
	Source          Source     `json:"source"`
}

// ActionOptions carries the optional parameters of a control action.
type ActionOptions struct {
	// DurationSeconds replaces the countdown duration on start and reset when
	// positive.
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	PresetID        string `json:"presetId,omitempty"`
	ControlOwner    string `json:"controlOwner,omitempty"`
}

// DemoSnapshot is the idle countdown served when nothing better is known.
func DemoSnapshot(eventID string, now time.Time) Snapshot {
	return Snapshot{
		EventID:         eventID,
		Phase:           PhaseIdle,
		DurationSeconds: DefaultDurationSeconds,
		UpdatedAt:       now,
		FetchedAt:       now,
		Source:          SourceFallback,
	}
}

// CalculateRemainingMs derives the remaining time of s at now in
// milliseconds. It never returns a negative value.
func CalculateRemainingMs(s Snapshot, now time.Time) int64 {
	total := int64(s.DurationSeconds) * 1000
	if total < 0 {
		total = 0
	}

	var elapsed time.Duration
	switch s.Phase {
	case PhaseCompleted:
		return 0
	case PhaseRunning:
		if s.StartedAt == nil {
			return total
		}
		elapsed = now.Sub(*s.StartedAt)
	case PhasePaused:
		if s.StartedAt == nil {
			return total
		}
		until := now
		if s.PausedAt != nil {
			until = *s.PausedAt
		}
		elapsed = until.Sub(*s.StartedAt)
	default:
		return total
	}

	if elapsed < 0 {
		elapsed = 0
	}
	remaining := total - elapsed.Milliseconds()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// DisplayPhase is the phase to show for s: a running countdown that reached
// zero reads as completed until the authoritative completion arrives.
func DisplayPhase(s Snapshot, remainingMs int64) Phase {
	if s.Phase == PhaseRunning && remainingMs <= 0 {
		return PhaseCompleted
	}
	return s.Phase
}

// DeriveOptimisticSnapshot predicts the snapshot the hosted timer will hold
// after action is applied to prev at now.
func DeriveOptimisticSnapshot(prev Snapshot, action Action, opts ActionOptions, now time.Time) Snapshot {
	next := prev
	next.Revision = prev.Revision + 1
	next.UpdatedAt = now
	next.FetchedAt = now
	next.Source = SourceOptimistic
	if opts.ControlOwner != "" {
		owner := opts.ControlOwner
		next.ControlOwner = &owner
	}

	switch action {
	case ActionStart:
		if opts.DurationSeconds > 0 {
			next.DurationSeconds = opts.DurationSeconds
		}
		startedAt := now
		next.Phase = PhaseRunning
		next.StartedAt = &startedAt
		next.PausedAt = nil
	case ActionPause:
		pausedAt := now
		next.Phase = PhasePaused
		next.PausedAt = &pausedAt
		if next.StartedAt == nil {
			next.StartedAt = &pausedAt
		}
	case ActionResume:
		var elapsed time.Duration
		if prev.StartedAt != nil && prev.PausedAt != nil {
			elapsed = prev.PausedAt.Sub(*prev.StartedAt)
		}
		startedAt := now.Add(-elapsed)
		next.Phase = PhaseRunning
		next.StartedAt = &startedAt
		next.PausedAt = nil
	case ActionReset:
		if opts.DurationSeconds > 0 {
			next.DurationSeconds = opts.DurationSeconds
		}
		next.Phase = PhaseIdle
		next.StartedAt = nil
		next.PausedAt = nil
	}
	return next
}

// IsDriftBeyondTolerance reports whether |driftMs| exceeds toleranceMs.
func IsDriftBeyondTolerance(driftMs, toleranceMs int64) bool {
	if driftMs < 0 {
		driftMs = -driftMs
	}
	return driftMs > toleranceMs
}
