// Package apperr holds the typed errors surfaced to judges and operators.
//
// Every error carries a message that is safe to display and an optional
// underlying cause kept for logs.
package apperr

import "errors"

// AuthError is returned when a sign-in, session or PIN operation fails.
type AuthError struct {
	Message string
	Err     error
}

func NewAuthError(message string, err error) *AuthError {
	return &AuthError{Message: message, Err: err}
}

func (e *AuthError) Error() string { return format(e.Message, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// ScoringDataError is returned when scoring criteria or a ballot cannot be
// read or delivered.
type ScoringDataError struct {
	Message string
	Err     error
}

func NewScoringDataError(message string, err error) *ScoringDataError {
	return &ScoringDataError{Message: message, Err: err}
}

func (e *ScoringDataError) Error() string { return format(e.Message, e.Err) }
func (e *ScoringDataError) Unwrap() error { return e.Err }

// RankingsDataError is returned when live rankings cannot be fetched.
type RankingsDataError struct {
	Message string
	Err     error
}

func NewRankingsDataError(message string, err error) *RankingsDataError {
	return &RankingsDataError{Message: message, Err: err}
}

func (e *RankingsDataError) Error() string { return format(e.Message, e.Err) }
func (e *RankingsDataError) Unwrap() error { return e.Err }

// TimerError is returned when a countdown fetch or control action fails.
type TimerError struct {
	Message string
	Err     error
}

func NewTimerError(message string, err error) *TimerError {
	return &TimerError{Message: message, Err: err}
}

func (e *TimerError) Error() string { return format(e.Message, e.Err) }
func (e *TimerError) Unwrap() error { return e.Err }

// UserMessage returns the displayable message of the first typed error in
// err's chain, or err.Error() when there is none.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var authErr *AuthError
	var scoringErr *ScoringDataError
	var rankingsErr *RankingsDataError
	var timerErr *TimerError

	switch {
	case errors.As(err, &authErr):
		return authErr.Message
	case errors.As(err, &scoringErr):
		return scoringErr.Message
	case errors.As(err, &rankingsErr):
		return rankingsErr.Message
	case errors.As(err, &timerErr):
		return timerErr.Message
	default:
		return err.Error()
	}
}

func format(message string, err error) string {
	if err == nil {
		return message
	}
	return message + ": " + err.Error()
}
