package snapshot

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/judgesync/go/internal/models"
)

//go:embed fallback.yaml
var fallbackYAML []byte

// SampleData is the bundled offline dataset.
type SampleData struct {
	Rankings []models.RankingEntry     `yaml:"rankings"`
	Criteria []models.ScoringCriterion `yaml:"criteria"`
	Presets  []models.TimerPreset      `yaml:"presets"`
}

var samples = mustParseSamples(fallbackYAML)

func mustParseSamples(data []byte) SampleData {
	var s SampleData
	if err := yaml.Unmarshal(data, &s); err != nil {
		panic(fmt.Sprintf("parse bundled fallback dataset: %v", err))
	}
	return s
}

// Samples returns a copy of the bundled dataset.
func Samples() SampleData {
	return SampleData{
		Rankings: SampleRankings(),
		Criteria: DefaultCriteria(),
		Presets:  SamplePresets(""),
	}
}

// SampleRankings returns the sample rankings board.
func SampleRankings() []models.RankingEntry {
	return append([]models.RankingEntry(nil), samples.Rankings...)
}

// DefaultCriteria returns the bundled scoring rubric.
func DefaultCriteria() []models.ScoringCriterion {
	return append([]models.ScoringCriterion(nil), samples.Criteria...)
}

// SamplePresets returns the bundled timer presets scoped to eventID.
func SamplePresets(eventID string) []models.TimerPreset {
	out := make([]models.TimerPreset, len(samples.Presets))
	for i, p := range samples.Presets {
		p.EventID = eventID
		out[i] = p
	}
	return out
}
