package pgdata

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/judgesync/go/internal/ballot"
	"github.com/mcdev12/judgesync/go/internal/models"
)

var _ ballot.Deliverer = (*Repository)(nil)

const rankingsPageSQL = `
SELECT team_id, team_name, rank, total_score, judge_count, metadata
FROM event_rankings
WHERE event_id = $1
ORDER BY rank ASC, team_name ASC
LIMIT $2 OFFSET $3`

// FetchRankings pages through the rankings board of an event.
func (r *Repository) FetchRankings(ctx context.Context, eventID string) ([]models.RankingEntry, error) {
	var out []models.RankingEntry
	for offset := 0; ; offset += r.cfg.PageSize {
		rows, err := r.db.Query(ctx, rankingsPageSQL, eventID, r.cfg.PageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to query rankings: %w", err)
		}

		n := 0
		for rows.Next() {
			var (
				e        models.RankingEntry
				metadata pqtype.NullRawMessage
			)
			if err := rows.Scan(&e.TeamID, &e.TeamName, &e.Rank, &e.TotalScore, &e.JudgeCount, &metadata); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan ranking: %w", err)
			}
			if metadata.Valid {
				e.Metadata = json.RawMessage(metadata.RawMessage)
			}
			out = append(out, e)
			n++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read rankings: %w", err)
		}
		if n < r.cfg.PageSize {
			return out, nil
		}
	}
}

const criteriaSQL = `
SELECT id, label, description, min_score, max_score, weight, sort_order
FROM scoring_criteria
WHERE event_id = $1
ORDER BY sort_order ASC, id ASC`

// FetchCriteria returns the ordered scoring criteria of an event.
func (r *Repository) FetchCriteria(ctx context.Context, eventID string) ([]models.ScoringCriterion, error) {
	rows, err := r.db.Query(ctx, criteriaSQL, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query scoring criteria: %w", err)
	}
	defer rows.Close()

	var out []models.ScoringCriterion
	for rows.Next() {
		var (
			c           models.ScoringCriterion
			description *string
		)
		if err := rows.Scan(&c.ID, &c.Label, &description, &c.MinScore, &c.MaxScore, &c.Weight, &c.SortOrder); err != nil {
			return nil, fmt.Errorf("failed to scan scoring criterion: %w", err)
		}
		if description != nil {
			c.Description = *description
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read scoring criteria: %w", err)
	}
	return out, nil
}

const deliverBallotSQL = `
INSERT INTO ballot_submissions (event_id, team_id, judge_id, scores, comments, submitted_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (event_id, team_id, judge_id)
DO UPDATE SET scores = EXCLUDED.scores, comments = EXCLUDED.comments, submitted_at = EXCLUDED.submitted_at`

// DeliverBallot upserts a judge's ballot.
func (r *Repository) DeliverBallot(ctx context.Context, eventID, teamID string, payload ballot.SubmissionPayload) error {
	scores, err := json.Marshal(payload.Scores)
	if err != nil {
		return fmt.Errorf("failed to encode scores: %w", err)
	}
	if _, err := r.db.Exec(ctx, deliverBallotSQL, eventID, teamID, r.cfg.JudgeID, scores, commentsParam(payload.Comments)); err != nil {
		return fmt.Errorf("failed to deliver ballot: %w", err)
	}
	return nil
}

// commentsParam stores comments as a JSON string, or NULL when empty.
func commentsParam(comments string) pqtype.NullRawMessage {
	if comments == "" {
		return pqtype.NullRawMessage{}
	}
	raw, err := json.Marshal(comments)
	if err != nil {
		return pqtype.NullRawMessage{}
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}
}
