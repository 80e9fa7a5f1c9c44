package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/judgesync/go/internal/apperr"
	"github.com/mcdev12/judgesync/go/internal/collab"
	"github.com/mcdev12/judgesync/go/internal/localstore"
	"github.com/mcdev12/judgesync/go/internal/models"
)

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type fakeRankings struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, call int) ([]models.RankingEntry, error)
}

func (f *fakeRankings) FetchRankings(ctx context.Context, _ string) ([]models.RankingEntry, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.fn(ctx, call)
}

func (f *fakeRankings) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func board(names ...string) []models.RankingEntry {
	out := make([]models.RankingEntry, len(names))
	for i, n := range names {
		out[i] = models.RankingEntry{TeamID: n, TeamName: "Team " + n, Rank: i + 1, TotalScore: float64(90 - i)}
	}
	return out
}

func failing(context.Context, int) ([]models.RankingEntry, error) {
	return nil, errors.New("network unreachable")
}

func TestLoadFallsBackToSampleDataWhenNothingCached(t *testing.T) {
	src := &fakeRankings{fn: failing}
	cache := NewRankingsCache(src, Options{Clock: clockwork.NewFakeClockAt(epoch)})

	state := cache.Load(context.Background(), "evt-1")

	require.NotNil(t, state.Snapshot)
	assert.Equal(t, SourceFallback, state.Snapshot.Source)
	assert.True(t, state.IsOffline)
	assert.Equal(t, SampleRankings(), state.Snapshot.Payload)

	var rankingsErr *apperr.RankingsDataError
	assert.ErrorAs(t, state.Err, &rankingsErr)
}

func TestLoadServesPersistedSnapshotWhenFetchFails(t *testing.T) {
	storage := localstore.NewMemoryStorage()
	persisted := Snapshot[[]models.RankingEntry]{
		EventID:   "evt-1",
		Payload:   board("alpha", "beta"),
		FetchedAt: epoch.Add(-time.Hour),
		Source:    SourceNetwork,
	}
	require.NoError(t, localstore.WriteJSON(storage, localstore.Key(RankingsNamespace, "evt-1"), persisted))

	src := &fakeRankings{fn: failing}
	cache := NewRankingsCache(src, Options{Storage: storage, Clock: clockwork.NewFakeClockAt(epoch)})

	state := cache.Load(context.Background(), "evt-1")

	require.NotNil(t, state.Snapshot)
	assert.Equal(t, SourceCache, state.Snapshot.Source)
	assert.True(t, state.IsOffline)
	assert.Error(t, state.Err)
	assert.Equal(t, persisted.Payload, state.Snapshot.Payload)
	assert.NotEqual(t, SampleRankings(), state.Snapshot.Payload)

	// The stored record keeps its original provenance.
	var stored Snapshot[[]models.RankingEntry]
	ok, err := localstore.ReadJSON(storage, localstore.Key(RankingsNamespace, "evt-1"), &stored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, SourceNetwork, stored.Source)
}

func TestLoadExposesPersistedSnapshotBeforeFetchResolves(t *testing.T) {
	storage := localstore.NewMemoryStorage()
	require.NoError(t, localstore.WriteJSON(storage, localstore.Key(RankingsNamespace, "evt-1"), Snapshot[[]models.RankingEntry]{
		EventID: "evt-1", Payload: board("old"), FetchedAt: epoch, Source: SourceRealtime,
	}))

	release := make(chan struct{})
	src := &fakeRankings{fn: func(ctx context.Context, _ int) ([]models.RankingEntry, error) {
		<-release
		return board("new"), nil
	}}
	cache := NewRankingsCache(src, Options{Storage: storage, Clock: clockwork.NewFakeClockAt(epoch)})

	var first State[[]models.RankingEntry]
	var once sync.Once
	cache.Watch(func(s State[[]models.RankingEntry]) {
		once.Do(func() {
			first = s
			close(release)
		})
	})

	final := cache.Load(context.Background(), "evt-1")

	require.NotNil(t, first.Snapshot)
	assert.True(t, first.Loading)
	assert.Equal(t, SourceRealtime, first.Snapshot.Source)
	assert.Equal(t, "old", first.Snapshot.Payload[0].TeamID)

	assert.Equal(t, SourceNetwork, final.Snapshot.Source)
	assert.Equal(t, "new", final.Snapshot.Payload[0].TeamID)
	assert.False(t, final.Loading)
	assert.False(t, final.IsOffline)
	assert.NoError(t, final.Err)
}

func TestSuccessfulFetchOverwritesPersistedSnapshot(t *testing.T) {
	storage := localstore.NewMemoryStorage()
	src := &fakeRankings{fn: func(_ context.Context, call int) ([]models.RankingEntry, error) {
		if call == 1 {
			return board("first"), nil
		}
		return board("second"), nil
	}}
	cache := NewRankingsCache(src, Options{Storage: storage, Clock: clockwork.NewFakeClockAt(epoch)})

	cache.Load(context.Background(), "evt-1")
	state := cache.Refresh(context.Background())
	assert.Equal(t, "second", state.Snapshot.Payload[0].TeamID)

	var stored Snapshot[[]models.RankingEntry]
	ok, err := localstore.ReadJSON(storage, localstore.Key(RankingsNamespace, "evt-1"), &stored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", stored.Payload[0].TeamID)
}

func TestFailureAfterSuccessServesLastGoodAsCache(t *testing.T) {
	src := &fakeRankings{fn: func(_ context.Context, call int) ([]models.RankingEntry, error) {
		if call == 1 {
			return board("good"), nil
		}
		return nil, errors.New("timeout")
	}}
	cache := NewRankingsCache(src, Options{Clock: clockwork.NewFakeClockAt(epoch)})

	cache.Load(context.Background(), "evt-1")
	state := cache.Refresh(context.Background())

	assert.Equal(t, SourceCache, state.Snapshot.Source)
	assert.Equal(t, "good", state.Snapshot.Payload[0].TeamID)
	assert.True(t, state.IsOffline)
}

func TestStaleResponseNeverOverwritesNewerOne(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	src := &fakeRankings{fn: func(ctx context.Context, call int) ([]models.RankingEntry, error) {
		if call == 1 {
			close(started)
			<-release
			return board("stale"), nil
		}
		return board("fresh"), nil
	}}
	cache := NewRankingsCache(src, Options{Clock: clockwork.NewFakeClockAt(epoch)})

	done := make(chan State[[]models.RankingEntry])
	go func() { done <- cache.Load(context.Background(), "evt-1") }()

	<-started
	fresh := cache.Refresh(context.Background())
	assert.Equal(t, "fresh", fresh.Snapshot.Payload[0].TeamID)

	close(release)
	stale := <-done

	assert.Equal(t, "fresh", stale.Snapshot.Payload[0].TeamID)
	assert.Equal(t, "fresh", cache.State().Snapshot.Payload[0].TeamID)
}

func TestSupersededRequestIsCancelled(t *testing.T) {
	cancelled := make(chan struct{})
	src := &fakeRankings{fn: func(ctx context.Context, call int) ([]models.RankingEntry, error) {
		if call == 1 {
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		}
		return board("fresh"), nil
	}}
	cache := NewRankingsCache(src, Options{Clock: clockwork.NewFakeClockAt(epoch)})

	done := make(chan State[[]models.RankingEntry])
	go func() { done <- cache.Load(context.Background(), "evt-1") }()

	require.Eventually(t, func() bool { return src.callCount() == 1 }, time.Second, time.Millisecond)
	cache.Refresh(context.Background())

	<-cancelled
	<-done

	state := cache.State()
	require.NotNil(t, state.Snapshot)
	assert.Equal(t, SourceNetwork, state.Snapshot.Source)
	assert.Equal(t, "fresh", state.Snapshot.Payload[0].TeamID)
	assert.NoError(t, state.Err, "the cancelled request must not surface as an error")
}

func TestStaleness(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	src := &fakeRankings{fn: func(context.Context, int) ([]models.RankingEntry, error) { return board("a"), nil }}
	cache := NewRankingsCache(src, Options{Clock: clock, StaleAfter: time.Minute})

	assert.False(t, cache.IsStale(), "no snapshot is never stale")

	state := cache.Load(context.Background(), "evt-1")
	assert.False(t, state.IsStale)

	clock.Advance(61 * time.Second)
	assert.True(t, cache.IsStale())
	assert.NoError(t, cache.State().Err, "staleness is independent of errors")

	cache.Refresh(context.Background())
	assert.False(t, cache.IsStale())
}

type fakeFeed struct {
	mu           sync.Mutex
	handlers     collab.ChangeHandlers
	topic        collab.Topic
	unsubscribed bool
}

func (f *fakeFeed) Subscribe(_ context.Context, topic collab.Topic, _ string, h collab.ChangeHandlers) (collab.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topic = topic
	f.handlers = h
	return f, nil
}

func (f *fakeFeed) Unsubscribe() error {
	f.mu.Lock()
	f.unsubscribed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeFeed) push() {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.OnChange(collab.Change{Topic: f.topic})
}

func (f *fakeFeed) isSubscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers.OnChange != nil && !f.unsubscribed
}

func TestRunRefetchesOnRealtimePushAndPoll(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	feed := &fakeFeed{}
	src := &fakeRankings{fn: func(context.Context, int) ([]models.RankingEntry, error) { return board("a"), nil }}
	cache := NewRankingsCache(src, Options{Clock: clock, Feed: feed, PollInterval: 30 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error)
	go func() { runDone <- cache.Run(ctx, "evt-1") }()

	require.Eventually(t, feed.isSubscribed, time.Second, time.Millisecond)
	assert.Equal(t, collab.TopicRankings, feed.topic)
	assert.Equal(t, 1, src.callCount())

	feed.push()
	require.Eventually(t, func() bool {
		s := cache.State()
		return src.callCount() == 2 && s.Snapshot != nil && s.Snapshot.Source == SourceRealtime
	}, time.Second, time.Millisecond)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		s := cache.State()
		return src.callCount() == 3 && s.Snapshot.Source == SourceNetwork
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-runDone)
	assert.True(t, feed.unsubscribed)
}

func TestCriteriaCacheOrdersCriteria(t *testing.T) {
	src := criteriaFunc(func(context.Context, string) ([]models.ScoringCriterion, error) {
		return []models.ScoringCriterion{
			{ID: "c", SortOrder: 3},
			{ID: "a", SortOrder: 1},
			{ID: "b", SortOrder: 2},
		}, nil
	})
	cache := NewCriteriaCache(src, Options{Clock: clockwork.NewFakeClockAt(epoch)})

	state := cache.Load(context.Background(), "evt-1")
	ids := []string{}
	for _, c := range state.Snapshot.Payload {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestCriteriaCacheFallsBackToDefaultRubric(t *testing.T) {
	src := criteriaFunc(func(context.Context, string) ([]models.ScoringCriterion, error) {
		return nil, errors.New("offline")
	})
	cache := NewCriteriaCache(src, Options{Clock: clockwork.NewFakeClockAt(epoch)})

	state := cache.Load(context.Background(), "evt-1")
	assert.Equal(t, SourceFallback, state.Snapshot.Source)
	assert.Equal(t, DefaultCriteria(), state.Snapshot.Payload)

	var scoringErr *apperr.ScoringDataError
	assert.ErrorAs(t, state.Err, &scoringErr)
}

type criteriaFunc func(ctx context.Context, eventID string) ([]models.ScoringCriterion, error)

func (f criteriaFunc) FetchCriteria(ctx context.Context, eventID string) ([]models.ScoringCriterion, error) {
	return f(ctx, eventID)
}
