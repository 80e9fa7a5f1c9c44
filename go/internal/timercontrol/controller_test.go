package timercontrol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/judgesync/go/internal/apperr"
	"github.com/mcdev12/judgesync/go/internal/collab"
	"github.com/mcdev12/judgesync/go/internal/models"
	"github.com/mcdev12/judgesync/go/internal/timer"
)

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type stubBackend struct {
	mu       sync.Mutex
	snap     timer.Snapshot
	applyErr error
	gate     chan struct{}
	applied  []timer.ActionOptions
}

func (b *stubBackend) FetchTimer(context.Context, string) (timer.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap, nil
}

func (b *stubBackend) ApplyAction(_ context.Context, _ string, action timer.Action, opts timer.ActionOptions) (timer.Snapshot, error) {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.applied = append(b.applied, opts)
	if b.applyErr != nil {
		return timer.Snapshot{}, b.applyErr
	}
	b.snap = timer.DeriveOptimisticSnapshot(b.snap, action, opts, epoch)
	b.snap.Source = timer.SourceNetwork
	return b.snap, nil
}

type stubPresets struct {
	presets []models.TimerPreset
	err     error
}

func (s *stubPresets) ListPresets(context.Context, string) ([]models.TimerPreset, error) {
	return s.presets, s.err
}

type stubIssuer struct {
	link collab.ShareLink
	err  error
}

func (s *stubIssuer) CreateShareLink(context.Context, string, time.Duration) (collab.ShareLink, error) {
	return s.link, s.err
}

func newFixture(t *testing.T, presets collab.PresetSource) (*Controller, *timer.Engine, *stubBackend) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	backend := &stubBackend{snap: timer.Snapshot{
		EventID:         "evt",
		Phase:           timer.PhaseIdle,
		DurationSeconds: 420,
		Revision:        1,
		Source:          timer.SourceNetwork,
	}}
	cfg := timer.DefaultConfig()
	cfg.EventID = "evt"
	cfg.Backend = backend
	cfg.FetchRetries = 0
	cfg.Clock = clock
	engine := timer.NewEngine(cfg)
	engine.Refresh(context.Background())

	ctrl := NewController(Config{
		EventID:      "evt",
		Engine:       engine,
		Presets:      presets,
		ControlOwner: "ops-desk",
		Clock:        clock,
	})
	return ctrl, engine, backend
}

func eventPresets() []models.TimerPreset {
	return []models.TimerPreset{
		{ID: "pitch", EventID: "evt", Label: "Pitch", DurationSeconds: 300},
		{ID: "qa", EventID: "evt", Label: "Q&A", DurationSeconds: 120, IsDefault: true},
	}
}

func TestLoadPresetsSelectsDefault(t *testing.T) {
	ctrl, _, _ := newFixture(t, &stubPresets{presets: eventPresets()})

	state := ctrl.LoadPresets(context.Background())
	assert.Len(t, state.Presets, 2)
	assert.Equal(t, "qa", state.SelectedPresetID)
	assert.False(t, state.PresetsFallback)
}

func TestLoadPresetsSelectsFirstWithoutDefault(t *testing.T) {
	presets := eventPresets()
	presets[1].IsDefault = false
	ctrl, _, _ := newFixture(t, &stubPresets{presets: presets})

	assert.Equal(t, "pitch", ctrl.LoadPresets(context.Background()).SelectedPresetID)
}

func TestSelectionSurvivesReloadOnlyWhileValid(t *testing.T) {
	source := &stubPresets{presets: eventPresets()}
	ctrl, _, _ := newFixture(t, source)
	ctrl.LoadPresets(context.Background())

	require.NoError(t, ctrl.SelectPreset("pitch"))
	assert.Equal(t, "pitch", ctrl.LoadPresets(context.Background()).SelectedPresetID)

	source.presets = eventPresets()[1:]
	assert.Equal(t, "qa", ctrl.LoadPresets(context.Background()).SelectedPresetID)

	assert.ErrorIs(t, ctrl.SelectPreset("missing"), ErrUnknownPreset)
}

func TestLoadPresetsFallsBackToBundled(t *testing.T) {
	ctrl, _, _ := newFixture(t, &stubPresets{err: errors.New("db down")})

	state := ctrl.LoadPresets(context.Background())
	assert.True(t, state.PresetsFallback)
	require.NotEmpty(t, state.Presets)
	assert.Equal(t, "evt", state.Presets[0].EventID)
	assert.Equal(t, "sample-pitch", state.SelectedPresetID)
	assert.NotEmpty(t, state.Error)
}

func TestStartUsesSelectedPreset(t *testing.T) {
	ctrl, engine, backend := newFixture(t, &stubPresets{presets: eventPresets()})
	ctrl.LoadPresets(context.Background())

	snap, err := ctrl.Start(context.Background(), timer.ActionOptions{})
	require.NoError(t, err)
	assert.Equal(t, timer.PhaseRunning, snap.Phase)
	assert.Equal(t, 120, snap.DurationSeconds)
	assert.Equal(t, int64(2), engine.View().Snapshot.Revision)

	require.Len(t, backend.applied, 1)
	assert.Equal(t, "qa", backend.applied[0].PresetID)
	assert.Equal(t, "ops-desk", backend.applied[0].ControlOwner)
}

func TestExplicitDurationWins(t *testing.T) {
	ctrl, _, _ := newFixture(t, &stubPresets{presets: eventPresets()})
	ctrl.LoadPresets(context.Background())

	snap, err := ctrl.Start(context.Background(), timer.ActionOptions{DurationSeconds: 45})
	require.NoError(t, err)
	assert.Equal(t, 45, snap.DurationSeconds)

	snap, err = ctrl.Pause(context.Background())
	require.NoError(t, err)
	assert.Equal(t, timer.PhasePaused, snap.Phase)

	snap, err = ctrl.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, timer.PhaseRunning, snap.Phase)

	snap, err = ctrl.Reset(context.Background(), timer.ActionOptions{PresetID: "pitch"})
	require.NoError(t, err)
	assert.Equal(t, timer.PhaseIdle, snap.Phase)
	assert.Equal(t, 300, snap.DurationSeconds)
}

func TestInvalidTransitions(t *testing.T) {
	ctrl, _, backend := newFixture(t, nil)

	for _, tc := range []struct {
		name string
		run  func() (timer.Snapshot, error)
	}{
		{"pause idle", func() (timer.Snapshot, error) { return ctrl.Pause(context.Background()) }},
		{"resume idle", func() (timer.Snapshot, error) { return ctrl.Resume(context.Background()) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.run()
			assert.ErrorIs(t, err, ErrInvalidTransition)
			var timerErr *apperr.TimerError
			assert.ErrorAs(t, err, &timerErr)
		})
	}
	assert.Empty(t, backend.applied)
	assert.NotEmpty(t, ctrl.State().Error)
}

func TestUnknownPresetOption(t *testing.T) {
	ctrl, _, _ := newFixture(t, &stubPresets{presets: eventPresets()})
	ctrl.LoadPresets(context.Background())

	_, err := ctrl.Start(context.Background(), timer.ActionOptions{PresetID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownPreset)
}

func TestConcurrentActionIsDropped(t *testing.T) {
	ctrl, engine, backend := newFixture(t, nil)
	gate := make(chan struct{})
	backend.mu.Lock()
	backend.gate = gate
	backend.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Start(context.Background(), timer.ActionOptions{})
		done <- err
	}()
	require.Eventually(t, func() bool {
		return ctrl.State().PendingAction == timer.ActionStart
	}, time.Second, time.Millisecond)

	_, err := ctrl.Reset(context.Background(), timer.ActionOptions{})
	assert.ErrorIs(t, err, timer.ErrActionPending)

	close(gate)
	require.NoError(t, <-done)
	assert.Empty(t, ctrl.State().PendingAction)
	assert.Equal(t, timer.PhaseRunning, engine.View().Snapshot.Phase)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Len(t, backend.applied, 1)
}

func TestFailedActionRevertsAndSurfacesError(t *testing.T) {
	ctrl, engine, backend := newFixture(t, nil)
	backend.applyErr = errors.New("permission denied")

	_, err := ctrl.Start(context.Background(), timer.ActionOptions{})
	require.Error(t, err)
	assert.Equal(t, timer.PhaseIdle, engine.View().Snapshot.Phase)
	assert.Equal(t, int64(1), engine.View().Snapshot.Revision)

	state := ctrl.State()
	assert.Equal(t, "Could not start the timer", state.Error)
	assert.Empty(t, state.PendingAction)
}

func TestShareLinkFallsBackWithoutIssuer(t *testing.T) {
	ctrl, _, _ := newFixture(t, nil)

	state, err := ctrl.CreateShareLink(context.Background())
	require.NoError(t, err)
	assert.True(t, state.IsFallback)
	require.NotNil(t, state.ShareLink)
	assert.Contains(t, state.ShareLink.URL, "/display/evt?token=demo-")
	assert.Equal(t, epoch.Add(12*time.Hour), state.ShareLink.ExpiresAt)
}

func TestShareLinkFallsBackWhenIssuerUnavailable(t *testing.T) {
	ctrl, _, _ := newFixture(t, nil)
	ctrl.cfg.ShareLinks = &stubIssuer{err: fmt.Errorf("rpc: %w", collab.ErrUnavailable)}

	state, err := ctrl.CreateShareLink(context.Background())
	require.NoError(t, err)
	assert.True(t, state.IsFallback)
}

func TestShareLinkErrorKeepsPreviousLink(t *testing.T) {
	ctrl, _, _ := newFixture(t, nil)
	issuer := &stubIssuer{link: collab.ShareLink{URL: "https://display.example/evt?token=abc", Token: "abc", ExpiresAt: epoch.Add(time.Hour)}}
	ctrl.cfg.ShareLinks = issuer

	state, err := ctrl.CreateShareLink(context.Background())
	require.NoError(t, err)
	assert.False(t, state.IsFallback)
	assert.Equal(t, "abc", state.ShareLink.Token)

	issuer.err = errors.New("quota exceeded")
	state, err = ctrl.CreateShareLink(context.Background())
	require.Error(t, err)
	require.NotNil(t, state.ShareLink)
	assert.Equal(t, "abc", state.ShareLink.Token)
	assert.Equal(t, "Could not create a display link", state.ShareLinkError)
	assert.False(t, state.GeneratingLink)
}
