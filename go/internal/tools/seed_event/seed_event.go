package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/mcdev12/judgesync/go/internal/config"
	"github.com/mcdev12/judgesync/go/internal/snapshot"
	"github.com/mcdev12/judgesync/go/internal/timer"
)

type counts struct {
	inserted, skipped, errs int
}

func (c *counts) record(rowsAffected int64, err error, what string) {
	switch {
	case err != nil:
		fmt.Fprintf(os.Stderr, "error inserting %s: %v\n", what, err)
		c.errs++
	case rowsAffected == 1:
		c.inserted++
	default:
		c.skipped++
	}
}

func main() {
	_ = godotenv.Load()

	// 1) Load config; the event id comes from JUDGESYNC_EVENT_ID
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	eventID := cfg.EventID
	if len(os.Args) > 1 {
		eventID = os.Args[1]
	}

	// 2) Connect
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	// 3) Upsert the bundled sample dataset
	var c counts

	for _, cr := range snapshot.DefaultCriteria() {
		tag, err := pool.Exec(ctx, `
            INSERT INTO scoring_criteria (
              event_id, id, label, description, min_score, max_score, weight, sort_order
            ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
            ON CONFLICT (event_id, id) DO NOTHING
        `,
			eventID, cr.ID, cr.Label, cr.Description, cr.MinScore, cr.MaxScore, cr.Weight, cr.SortOrder,
		)
		c.record(tag.RowsAffected(), err, "criterion "+cr.ID)
	}

	for _, p := range snapshot.SamplePresets(eventID) {
		tag, err := pool.Exec(ctx, `
            INSERT INTO timer_presets (id, event_id, label, duration_seconds, is_default)
            VALUES ($1,$2,$3,$4,$5)
            ON CONFLICT (id) DO NOTHING
        `,
			eventID+"-"+p.ID, eventID, p.Label, p.DurationSeconds, p.IsDefault,
		)
		c.record(tag.RowsAffected(), err, "preset "+p.ID)
	}

	tag, err := pool.Exec(ctx, `
        INSERT INTO event_timers (event_id, phase, duration_seconds, revision, updated_at)
        VALUES ($1, $2, $3, 0, now())
        ON CONFLICT (event_id) DO NOTHING
    `,
		eventID, string(timer.PhaseIdle), timer.DefaultDurationSeconds,
	)
	c.record(tag.RowsAffected(), err, "timer for "+eventID)

	// 4) Print summary
	fmt.Printf(
		"Event %s seed complete: %d inserted, %d skipped, %d errors\n",
		eventID, c.inserted, c.skipped, c.errs,
	)
	if c.errs > 0 {
		os.Exit(1)
	}
}
