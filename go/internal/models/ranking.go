package models

import "encoding/json"

// RankingEntry is one team's row in the live rankings board.
type RankingEntry struct {
	TeamID     string          `json:"team_id" yaml:"team_id"`
	TeamName   string          `json:"team_name" yaml:"team_name"`
	Rank       int             `json:"rank" yaml:"rank"`
	TotalScore float64         `json:"total_score" yaml:"total_score"`
	JudgeCount int             `json:"judge_count" yaml:"judge_count"`
	Metadata   json.RawMessage `json:"metadata,omitempty" yaml:"-"`
}
