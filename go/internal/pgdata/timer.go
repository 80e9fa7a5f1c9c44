package pgdata

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mcdev12/judgesync/go/internal/models"
	"github.com/mcdev12/judgesync/go/internal/timer"
)

var _ timer.Backend = (*Repository)(nil)

const timerColumns = `event_id, phase, duration_seconds, started_at, paused_at, control_owner, updated_at, revision`

const fetchTimerSQL = `SELECT ` + timerColumns + ` FROM event_timers WHERE event_id = $1`

// FetchTimer reads the countdown of an event. An event without a timer row
// reads as an idle countdown at revision zero.
func (r *Repository) FetchTimer(ctx context.Context, eventID string) (timer.Snapshot, error) {
	s, err := scanTimer(r.db.QueryRow(ctx, fetchTimerSQL, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return timer.Snapshot{
			EventID:         eventID,
			Phase:           timer.PhaseIdle,
			DurationSeconds: timer.DefaultDurationSeconds,
			Source:          timer.SourceNetwork,
		}, nil
	}
	if err != nil {
		return timer.Snapshot{}, fmt.Errorf("failed to fetch timer: %w", err)
	}
	return s, nil
}

const applyTimerActionSQL = `SELECT ` + timerColumns + ` FROM apply_timer_action($1, $2, $3, $4, $5)`

// ApplyAction runs a control action through the apply_timer_action function,
// which bumps the revision and returns the new row.
func (r *Repository) ApplyAction(ctx context.Context, eventID string, action timer.Action, opts timer.ActionOptions) (timer.Snapshot, error) {
	row := r.db.QueryRow(ctx, applyTimerActionSQL,
		eventID,
		string(action),
		nullableInt(opts.DurationSeconds),
		nullableString(opts.PresetID),
		nullableString(opts.ControlOwner),
	)
	s, err := scanTimer(row)
	if err != nil {
		return timer.Snapshot{}, fmt.Errorf("failed to apply timer action %s: %w", action, err)
	}
	return s, nil
}

const listPresetsSQL = `
SELECT id, event_id, label, duration_seconds, is_default
FROM timer_presets
WHERE event_id = $1
ORDER BY is_default DESC, label ASC`

// ListPresets returns the timer presets of an event.
func (r *Repository) ListPresets(ctx context.Context, eventID string) ([]models.TimerPreset, error) {
	rows, err := r.db.Query(ctx, listPresetsSQL, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query timer presets: %w", err)
	}
	defer rows.Close()

	var out []models.TimerPreset
	for rows.Next() {
		var p models.TimerPreset
		if err := rows.Scan(&p.ID, &p.EventID, &p.Label, &p.DurationSeconds, &p.IsDefault); err != nil {
			return nil, fmt.Errorf("failed to scan timer preset: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read timer presets: %w", err)
	}
	return out, nil
}

func scanTimer(row pgx.Row) (timer.Snapshot, error) {
	var (
		s     timer.Snapshot
		phase string
	)
	if err := row.Scan(&s.EventID, &phase, &s.DurationSeconds, &s.StartedAt, &s.PausedAt, &s.ControlOwner, &s.UpdatedAt, &s.Revision); err != nil {
		return timer.Snapshot{}, err
	}
	s.Phase = timer.Phase(phase)
	s.Source = timer.SourceNetwork
	return s, nil
}

func nullableInt(v int) *int {
	if v <= 0 {
		return nil
	}
	return &v
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
