package snapshot

import (
	"context"
	"sort"
	"time"

	"github.com/mcdev12/judgesync/go/internal/apperr"
	"github.com/mcdev12/judgesync/go/internal/collab"
	"github.com/mcdev12/judgesync/go/internal/models"
)

// DefaultCriteriaOptions polls every 5m; the rubric rarely changes mid-event.
func DefaultCriteriaOptions() Options {
	return Options{PollInterval: 5 * time.Minute, StaleAfter: 30 * time.Minute}
}

// CriteriaCache is the ordered scoring rubric of an event.
type CriteriaCache = Cache[[]models.ScoringCriterion]

func NewCriteriaCache(src collab.CriteriaSource, opts Options) *CriteriaCache {
	return NewCache(Config[[]models.ScoringCriterion]{
		Namespace: CriteriaNamespace,
		Topic:     collab.TopicCriteria,
		Fetch: func(ctx context.Context, eventID string) ([]models.ScoringCriterion, error) {
			if src == nil {
				return nil, collab.ErrUnavailable
			}
			criteria, err := src.FetchCriteria(ctx, eventID)
			if err != nil {
				return nil, err
			}
			sort.SliceStable(criteria, func(i, j int) bool {
				return criteria[i].SortOrder < criteria[j].SortOrder
			})
			return criteria, nil
		},
		Fallback: func(string) []models.ScoringCriterion { return DefaultCriteria() },
		WrapError: func(err error) error {
			return apperr.NewScoringDataError("Scoring criteria could not be refreshed; using the saved rubric", err)
		},
		Storage:      opts.Storage,
		Feed:         opts.Feed,
		PollInterval: opts.PollInterval,
		StaleAfter:   opts.StaleAfter,
		Clock:        opts.Clock,
	})
}
