// Package collab declares the hosted services the sync core talks to.
//
// Only the interfaces live here; pgdata, pgfeed and auth provide the
// implementations used by the binary, and tests supply fakes.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mcdev12/judgesync/go/internal/models"
)

// ErrUnavailable marks a collaborator that cannot be reached at all, as
// opposed to one that answered with a failure.
var ErrUnavailable = errors.New("collaborator unavailable")

// ChannelStatus is the lifecycle of a realtime subscription.
type ChannelStatus string

const (
	ChannelConnecting ChannelStatus = "connecting"
	ChannelOpen       ChannelStatus = "open"
	ChannelClosed     ChannelStatus = "closed"
	ChannelError      ChannelStatus = "error"
)

// Topic names a realtime change stream.
type Topic string

const (
	TopicRankings Topic = "rankings"
	TopicCriteria Topic = "scoring_criteria"
	TopicTimer    Topic = "event_timer"
)

// Change is one realtime push notification for an event.
type Change struct {
	Topic   Topic           `json:"topic"`
	EventID string          `json:"event_id"`
	Record  json.RawMessage `json:"record,omitempty"`
}

// ChangeHandlers receive the callbacks of a realtime subscription. Any of the
// functions may be nil.
type ChangeHandlers struct {
	OnChange func(Change)
	OnStatus func(ChannelStatus)
	OnError  func(error)
}

// Subscription is a live realtime subscription.
type Subscription interface {
	Unsubscribe() error
}

// Feed is the realtime change feed of the hosted database.
type Feed interface {
	Subscribe(ctx context.Context, topic Topic, eventID string, h ChangeHandlers) (Subscription, error)
}

// RankingsSource queries the rankings board for an event.
type RankingsSource interface {
	FetchRankings(ctx context.Context, eventID string) ([]models.RankingEntry, error)
}

// CriteriaSource queries the ordered scoring criteria for an event.
type CriteriaSource interface {
	FetchCriteria(ctx context.Context, eventID string) ([]models.ScoringCriterion, error)
}

// PresetSource lists the timer presets configured for an event.
type PresetSource interface {
	ListPresets(ctx context.Context, eventID string) ([]models.TimerPreset, error)
}

// ShareLink is a time-boxed URL for the external countdown display.
type ShareLink struct {
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ShareLinkIssuer mints display share links.
type ShareLinkIssuer interface {
	CreateShareLink(ctx context.Context, eventID string, ttl time.Duration) (ShareLink, error)
}

// Session is an authenticated judge or operator session.
type Session struct {
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// PinResult is the outcome of a PIN verification.
type PinResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// AuthService is the hosted authentication service.
type AuthService interface {
	GetSession(ctx context.Context) (*Session, error)
	RequestMagicLink(ctx context.Context, email string) error
	VerifyPin(ctx context.Context, email, pin string) (PinResult, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignUpWithPassword(ctx context.Context, email, password string) (*Session, error)
	RequestPasswordReset(ctx context.Context, email string) error
}
