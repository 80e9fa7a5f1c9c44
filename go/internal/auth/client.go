// Package auth is the client of the hosted authentication service used by
// judges and operators.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/judgesync/go/internal/apperr"
	"github.com/mcdev12/judgesync/go/internal/collab"
)

const (
	otpEndpoint       = "/auth/v1/otp"
	tokenEndpoint     = "/auth/v1/token?grant_type=password"
	signupEndpoint    = "/auth/v1/signup"
	recoverEndpoint   = "/auth/v1/recover"
	verifyPinEndpoint = "/functions/v1/verify-pin"
)

// Config configures the auth client.
type Config struct {
	BaseURL    string
	APIKey     string
	RedirectTo string
	Timeout    time.Duration
	Clock      clockwork.Clock
}

// Client talks to the hosted auth service and keeps the current session in
// memory.
type Client struct {
	*baseClient
	redirectTo string
	clock      clockwork.Clock

	mu      sync.RWMutex
	session *collab.Session
}

var _ collab.AuthService = (*Client)(nil)

func NewClient(cfg Config) *Client {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	c := &Client{
		baseClient: newBaseClient(strings.TrimRight(cfg.BaseURL, "/")),
		redirectTo: cfg.RedirectTo,
		clock:      cfg.Clock,
	}
	if cfg.Timeout > 0 {
		c.client.Timeout = cfg.Timeout
	}
	c.setHeader("apikey", cfg.APIKey)
	c.setHeader("Authorization", "Bearer "+cfg.APIKey)
	return c
}

type sessionResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	User        struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

func (c *Client) toSession(r sessionResponse) *collab.Session {
	return &collab.Session{
		UserID:      r.User.ID,
		Email:       r.User.Email,
		AccessToken: r.AccessToken,
		ExpiresAt:   c.clock.Now().Add(time.Duration(r.ExpiresIn) * time.Second),
	}
}

// GetSession returns the current unexpired session, or nil.
func (c *Client) GetSession(_ context.Context) (*collab.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil || !c.clock.Now().Before(c.session.ExpiresAt) {
		return nil, nil
	}
	s := *c.session
	return &s, nil
}

// SignOut forgets the current session.
func (c *Client) SignOut() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

func (c *Client) RequestMagicLink(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	body := map[string]any{"email": email, "create_user": false}
	if c.redirectTo != "" {
		body["email_redirect_to"] = c.redirectTo
	}
	if err := c.doJSON(ctx, http.MethodPost, otpEndpoint, body, nil); err != nil {
		return authError("Could not send the sign-in link", err)
	}
	log.Info().Str("email", email).Msg("magic link requested")
	return nil
}

type verifyPinResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Session *sessionResponse `json:"session,omitempty"`
}

// VerifyPin checks a judge PIN through the edge function. Rejections such as
// a wrong or expired PIN or too many attempts come back as an unsuccessful
// result, not an error.
func (c *Client) VerifyPin(ctx context.Context, email, pin string) (collab.PinResult, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return collab.PinResult{}, err
	}
	pin = strings.TrimSpace(pin)
	if pin == "" {
		return collab.PinResult{Success: false, Message: "Enter the PIN from your invitation"}, nil
	}

	var resp verifyPinResponse
	err = c.doJSON(ctx, http.MethodPost, verifyPinEndpoint, map[string]string{"email": email, "pin": pin}, &resp)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode < 500 {
			msg := serverMessage(statusErr.Body)
			if msg == "" {
				msg = "PIN verification failed"
			}
			log.Warn().Str("email", email).Int("status", statusErr.StatusCode).Msg("pin rejected")
			return collab.PinResult{Success: false, Message: msg}, nil
		}
		return collab.PinResult{}, authError("PIN verification is unavailable", err)
	}

	if resp.Success && resp.Session != nil {
		c.setSession(c.toSession(*resp.Session))
	}
	return collab.PinResult{Success: resp.Success, Message: resp.Message}, nil
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*collab.Session, error) {
	return c.passwordGrant(ctx, tokenEndpoint, email, password, "Could not sign in")
}

func (c *Client) SignUpWithPassword(ctx context.Context, email, password string) (*collab.Session, error) {
	return c.passwordGrant(ctx, signupEndpoint, email, password, "Could not create the account")
}

func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if err := c.doJSON(ctx, http.MethodPost, recoverEndpoint, map[string]string{"email": email}, nil); err != nil {
		return authError("Could not send the password reset email", err)
	}
	return nil
}

func (c *Client) passwordGrant(ctx context.Context, endpoint, email, password, failure string) (*collab.Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if password == "" {
		return nil, apperr.NewAuthError("Enter your password", nil)
	}

	var resp sessionResponse
	if err := c.doJSON(ctx, http.MethodPost, endpoint, map[string]string{"email": email, "password": password}, &resp); err != nil {
		return nil, authError(failure, err)
	}
	if resp.AccessToken == "" {
		// Sign-up with email confirmation returns no session yet.
		return nil, nil
	}
	s := c.toSession(resp)
	c.setSession(s)
	out := *s
	return &out, nil
}

func (c *Client) setSession(s *collab.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return "", apperr.NewAuthError("Enter a valid email address", nil)
	}
	return email, nil
}

// authError wraps err, preferring the server's own message when it sent one.
func authError(fallback string, err error) error {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if msg := serverMessage(statusErr.Body); msg != "" {
			return apperr.NewAuthError(msg, err)
		}
	}
	return apperr.NewAuthError(fallback, err)
}
