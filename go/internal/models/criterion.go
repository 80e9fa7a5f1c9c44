package models

// ScoringCriterion is one weighted line on a judge's ballot.
type ScoringCriterion struct {
	ID          string  `json:"id" yaml:"id"`
	Label       string  `json:"label" yaml:"label"`
	Description string  `json:"description,omitempty" yaml:"description"`
	MinScore    float64 `json:"min_score" yaml:"min_score"`
	MaxScore    float64 `json:"max_score" yaml:"max_score"`
	Weight      float64 `json:"weight" yaml:"weight"`
	SortOrder   int     `json:"sort_order" yaml:"sort_order"`
}
