package models

// TimerPreset is a named countdown duration an operator can pick before
// starting the timer.
type TimerPreset struct {
	ID              string `json:"id" yaml:"id"`
	EventID         string `json:"event_id" yaml:"event_id"`
	Label           string `json:"label" yaml:"label"`
	DurationSeconds int    `json:"duration_seconds" yaml:"duration_seconds"`
	IsDefault       bool   `json:"is_default" yaml:"is_default"`
}
