// Package pgdata reads and writes judging data in the hosted Postgres
// database.
package pgdata

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/judgesync/go/internal/collab"
)

// DefaultPageSize bounds every paginated query.
const DefaultPageSize = 100

// DB is the subset of pgxpool.Pool the repository needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ DB = (*pgxpool.Pool)(nil)

// Config configures a Repository.
type Config struct {
	// DisplayBaseURL prefixes share links.
	DisplayBaseURL string
	// JudgeID attributes delivered ballots.
	JudgeID  string
	PageSize int
}

// Repository implements the data collaborators on top of Postgres.
type Repository struct {
	db  DB
	cfg Config
}

var (
	_ collab.RankingsSource  = (*Repository)(nil)
	_ collab.CriteriaSource  = (*Repository)(nil)
	_ collab.PresetSource    = (*Repository)(nil)
	_ collab.ShareLinkIssuer = (*Repository)(nil)
)

func NewRepository(db DB, cfg Config) *Repository {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &Repository{db: db, cfg: cfg}
}

// Connect opens a pgx pool and verifies it answers.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

const createDisplayLinkSQL = `SELECT token, expires_at FROM create_display_link($1, $2)`

// CreateShareLink mints a display token through the create_display_link
// function. A database without that function reports collab.ErrUnavailable.
func (r *Repository) CreateShareLink(ctx context.Context, eventID string, ttl time.Duration) (collab.ShareLink, error) {
	var link collab.ShareLink
	err := r.db.QueryRow(ctx, createDisplayLinkSQL, eventID, int64(ttl/time.Second)).Scan(&link.Token, &link.ExpiresAt)
	if err != nil {
		if isUndefinedFunction(err) {
			return collab.ShareLink{}, fmt.Errorf("create display link: %w", collab.ErrUnavailable)
		}
		return collab.ShareLink{}, fmt.Errorf("failed to create display link: %w", err)
	}
	link.URL = displayURL(r.cfg.DisplayBaseURL, eventID, link.Token)
	log.Info().Str("event_id", eventID).Time("expires_at", link.ExpiresAt).Msg("display link created")
	return link, nil
}

const verifyDisplayTokenSQL = `
SELECT EXISTS (
  SELECT 1 FROM display_links
  WHERE event_id = $1 AND token = $2 AND expires_at > now()
)`

// VerifyDisplayToken reports whether token is a live display link for
// eventID.
func (r *Repository) VerifyDisplayToken(ctx context.Context, eventID, token string) (bool, error) {
	var ok bool
	if err := r.db.QueryRow(ctx, verifyDisplayTokenSQL, eventID, token).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to verify display token: %w", err)
	}
	return ok, nil
}

func displayURL(base, eventID, token string) string {
	base = strings.TrimRight(base, "/")
	return fmt.Sprintf("%s/display/%s?token=%s", base, url.PathEscape(eventID), url.QueryEscape(token))
}

// isUndefinedFunction matches SQLSTATE 42883.
func isUndefinedFunction(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42883"
}
