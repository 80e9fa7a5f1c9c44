package snapshot

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/judgesync/go/internal/apperr"
	"github.com/mcdev12/judgesync/go/internal/collab"
	"github.com/mcdev12/judgesync/go/internal/localstore"
	"github.com/mcdev12/judgesync/go/internal/models"
)

const (
	RankingsNamespace = "rankings"
	CriteriaNamespace = "scoring-criteria"
)

// Options are the shared knobs of the concrete caches.
type Options struct {
	Storage      localstore.Storage
	Feed         collab.Feed
	PollInterval time.Duration
	StaleAfter   time.Duration
	Clock        clockwork.Clock
}

// DefaultRankingsOptions polls every 30s and calls data stale after 2m.
func DefaultRankingsOptions() Options {
	return Options{PollInterval: 30 * time.Second, StaleAfter: 2 * time.Minute}
}

// RankingsCache is the live rankings board of an event.
type RankingsCache = Cache[[]models.RankingEntry]

func NewRankingsCache(src collab.RankingsSource, opts Options) *RankingsCache {
	return NewCache(Config[[]models.RankingEntry]{
		Namespace: RankingsNamespace,
		Topic:     collab.TopicRankings,
		Fetch: func(ctx context.Context, eventID string) ([]models.RankingEntry, error) {
			if src == nil {
				return nil, collab.ErrUnavailable
			}
			return src.FetchRankings(ctx, eventID)
		},
		Fallback: func(string) []models.RankingEntry { return SampleRankings() },
		WrapError: func(err error) error {
			return apperr.NewRankingsDataError("Live rankings are unavailable; showing the last known standings", err)
		},
		Storage:      opts.Storage,
		Feed:         opts.Feed,
		PollInterval: opts.PollInterval,
		StaleAfter:   opts.StaleAfter,
		Clock:        opts.Clock,
	})
}
