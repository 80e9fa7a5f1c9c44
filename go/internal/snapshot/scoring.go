package snapshot

import (
	"math"

	"github.com/mcdev12/judgesync/go/internal/models"
)

// CalculateWeightedTotal scores a ballot on a 0-100 scale.
//
// Each scored criterion contributes weight × (clamped score normalised to
// [0,1]). Criteria missing from scores contribute nothing and the sum is not
// rescaled, so a partial ballot reads low. The result is rounded to one
// decimal.
func CalculateWeightedTotal(criteria []models.ScoringCriterion, scores map[string]float64) float64 {
	total := 0.0
	for _, c := range criteria {
		score, ok := scores[c.ID]
		if !ok {
			continue
		}
		total += c.Weight * normalise(score, c.MinScore, c.MaxScore)
	}
	return math.Round(total*100*10) / 10
}

func normalise(score, min, max float64) float64 {
	if max <= min {
		// Degenerate range: the only possible score is full marks.
		return 1
	}
	clamped := math.Min(math.Max(score, min), max)
	return (clamped - min) / (max - min)
}
