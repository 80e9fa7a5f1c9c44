package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := epoch.Add(d)
	return &t
}

func TestCalculateRemainingMs(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		now  time.Time
		want int64
	}{
		{
			name: "idle shows full duration",
			snap: Snapshot{Phase: PhaseIdle, DurationSeconds: 420},
			now:  epoch,
			want: 420_000,
		},
		{
			name: "running",
			snap: Snapshot{Phase: PhaseRunning, DurationSeconds: 420, StartedAt: at(0)},
			now:  epoch.Add(90 * time.Second),
			want: 330_000,
		},
		{
			name: "running past the end clamps to zero",
			snap: Snapshot{Phase: PhaseRunning, DurationSeconds: 60, StartedAt: at(0)},
			now:  epoch.Add(2 * time.Minute),
			want: 0,
		},
		{
			name: "running with a start in the future",
			snap: Snapshot{Phase: PhaseRunning, DurationSeconds: 60, StartedAt: at(time.Second)},
			now:  epoch,
			want: 60_000,
		},
		{
			name: "paused freezes at pause time",
			snap: Snapshot{Phase: PhasePaused, DurationSeconds: 420, StartedAt: at(0), PausedAt: at(100 * time.Second)},
			now:  epoch.Add(time.Hour),
			want: 320_000,
		},
		{
			name: "completed",
			snap: Snapshot{Phase: PhaseCompleted, DurationSeconds: 420, StartedAt: at(0)},
			now:  epoch,
			want: 0,
		},
		{
			name: "running without start",
			snap: Snapshot{Phase: PhaseRunning, DurationSeconds: 30},
			now:  epoch,
			want: 30_000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CalculateRemainingMs(tt.snap, tt.now))
		})
	}
}

func TestRunningSixtySecondsAgo(t *testing.T) {
	now := epoch
	snap := Snapshot{Phase: PhaseRunning, DurationSeconds: 420, StartedAt: at(-60 * time.Second)}

	remaining := CalculateRemainingMs(snap, now.Add(30*time.Second))
	assert.InDelta(t, 330_000, remaining, 1000)
}

func TestDisplayPhase(t *testing.T) {
	running := Snapshot{Phase: PhaseRunning}
	assert.Equal(t, PhaseCompleted, DisplayPhase(running, 0))
	assert.Equal(t, PhaseRunning, DisplayPhase(running, 1))
	assert.Equal(t, PhasePaused, DisplayPhase(Snapshot{Phase: PhasePaused}, 0))
}

func TestDeriveOptimisticStart(t *testing.T) {
	prev := Snapshot{
		EventID:         "evt",
		Phase:           PhasePaused,
		DurationSeconds: 420,
		StartedAt:       at(-time.Minute),
		PausedAt:        at(-30 * time.Second),
		Revision:        7,
		Source:          SourceNetwork,
	}

	next := DeriveOptimisticSnapshot(prev, ActionStart, ActionOptions{DurationSeconds: 180, ControlOwner: "ops"}, epoch)
	assert.Equal(t, PhaseRunning, next.Phase)
	require.NotNil(t, next.StartedAt)
	assert.Equal(t, epoch, *next.StartedAt)
	assert.Nil(t, next.PausedAt)
	assert.Equal(t, int64(8), next.Revision)
	assert.Equal(t, 180, next.DurationSeconds)
	assert.Equal(t, SourceOptimistic, next.Source)
	require.NotNil(t, next.ControlOwner)
	assert.Equal(t, "ops", *next.ControlOwner)
	assert.Equal(t, epoch, next.UpdatedAt)

	// prev is untouched
	assert.Equal(t, PhasePaused, prev.Phase)
	assert.Equal(t, int64(7), prev.Revision)
}

func TestDeriveOptimisticPause(t *testing.T) {
	prev := Snapshot{Phase: PhaseRunning, DurationSeconds: 420, StartedAt: at(-time.Minute), Revision: 2}

	next := DeriveOptimisticSnapshot(prev, ActionPause, ActionOptions{}, epoch)
	assert.Equal(t, PhasePaused, next.Phase)
	require.NotNil(t, next.PausedAt)
	assert.Equal(t, epoch, *next.PausedAt)
	assert.Equal(t, prev.StartedAt, next.StartedAt)
	assert.Equal(t, int64(3), next.Revision)
	assert.Equal(t, int64(360_000), CalculateRemainingMs(next, epoch.Add(time.Hour)))
}

func TestDeriveOptimisticResumePreservesElapsed(t *testing.T) {
	prev := Snapshot{
		Phase:           PhasePaused,
		DurationSeconds: 420,
		StartedAt:       at(-10 * time.Minute),
		PausedAt:        at(-10*time.Minute + 90*time.Second),
		Revision:        4,
	}
	before := CalculateRemainingMs(prev, epoch)

	next := DeriveOptimisticSnapshot(prev, ActionResume, ActionOptions{}, epoch)
	assert.Equal(t, PhaseRunning, next.Phase)
	assert.Nil(t, next.PausedAt)
	require.NotNil(t, next.StartedAt)
	assert.Equal(t, epoch.Add(-90*time.Second), *next.StartedAt)
	assert.Equal(t, before, CalculateRemainingMs(next, epoch))
	assert.Equal(t, int64(5), next.Revision)
}

func TestDeriveOptimisticReset(t *testing.T) {
	prev := Snapshot{Phase: PhaseRunning, DurationSeconds: 420, StartedAt: at(-time.Minute), Revision: 9}

	kept := DeriveOptimisticSnapshot(prev, ActionReset, ActionOptions{}, epoch)
	assert.Equal(t, PhaseIdle, kept.Phase)
	assert.Nil(t, kept.StartedAt)
	assert.Nil(t, kept.PausedAt)
	assert.Equal(t, 420, kept.DurationSeconds)
	assert.Equal(t, int64(10), kept.Revision)

	changed := DeriveOptimisticSnapshot(prev, ActionReset, ActionOptions{DurationSeconds: 300}, epoch)
	assert.Equal(t, 300, changed.DurationSeconds)
}

func TestIsDriftBeyondTolerance(t *testing.T) {
	assert.True(t, IsDriftBeyondTolerance(800, 400))
	assert.False(t, IsDriftBeyondTolerance(200, 400))
	assert.True(t, IsDriftBeyondTolerance(-800, 400))
	assert.False(t, IsDriftBeyondTolerance(400, 400))
}

func TestGetCountdownParts(t *testing.T) {
	tests := []struct {
		ms   int64
		want CountdownParts
	}{
		{65430, CountdownParts{Minutes: "01", Seconds: "05", Hundredths: "43"}},
		{0, CountdownParts{Minutes: "00", Seconds: "00", Hundredths: "00"}},
		{-50, CountdownParts{Minutes: "00", Seconds: "00", Hundredths: "00"}},
		{420_000, CountdownParts{Minutes: "07", Seconds: "00", Hundredths: "00"}},
		{6_000_009, CountdownParts{Minutes: "100", Seconds: "00", Hundredths: "00"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GetCountdownParts(tt.ms), "ms=%d", tt.ms)
	}
	assert.Equal(t, "01:05.43", GetCountdownParts(65430).String())
}
