package pgdata

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sqlc-dev/pqtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/judgesync/go/internal/ballot"
	"github.com/mcdev12/judgesync/go/internal/collab"
	"github.com/mcdev12/judgesync/go/internal/timer"
)

func assign(dest, val any) error {
	if s, ok := dest.(sql.Scanner); ok {
		return s.Scan(val)
	}
	dv := reflect.ValueOf(dest).Elem()
	if val == nil {
		dv.Set(reflect.Zero(dv.Type()))
		return nil
	}
	v := reflect.ValueOf(val)
	if dv.Kind() == reflect.Ptr && v.Type().AssignableTo(dv.Type().Elem()) {
		p := reflect.New(dv.Type().Elem())
		p.Elem().Set(v)
		dv.Set(p)
		return nil
	}
	if !v.Type().AssignableTo(dv.Type()) {
		return fmt.Errorf("cannot assign %T to %s", val, dv.Type())
	}
	dv.Set(v)
	return nil
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: %d dest for %d values", len(dest), len(r.values))
	}
	for i := range dest {
		if err := assign(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

type fakeRows struct {
	rows [][]any
	pos  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.rows[r.pos-1], nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return fakeRow{values: r.rows[r.pos-1]}.Scan(dest...)
}

type call struct {
	sql  string
	args []any
}

type fakeDB struct {
	query    func(args []any) [][]any
	row      fakeRow
	queries  []call
	rowCalls []call
	execs    []call
}

func (d *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	d.queries = append(d.queries, call{sql, args})
	return &fakeRows{rows: d.query(args)}, nil
}

func (d *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	d.rowCalls = append(d.rowCalls, call{sql, args})
	return d.row
}

func (d *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.execs = append(d.execs, call{sql, args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestFetchRankingsPages(t *testing.T) {
	all := [][]any{
		{"t1", "Aurora", 1, 91.5, 4, []byte(`{"track":"health"}`)},
		{"t2", "Beacon", 2, 88.0, 4, nil},
		{"t3", "Cobalt", 3, 80.2, 3, nil},
	}
	db := &fakeDB{query: func(args []any) [][]any {
		limit, offset := args[1].(int), args[2].(int)
		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		if offset >= len(all) {
			return nil
		}
		return all[offset:end]
	}}
	repo := NewRepository(db, Config{PageSize: 2})

	entries, err := repo.FetchRankings(context.Background(), "evt")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Len(t, db.queries, 2)
	assert.Equal(t, "evt", db.queries[0].args[0])
	assert.Equal(t, 2, db.queries[1].args[2])

	assert.Equal(t, "Aurora", entries[0].TeamName)
	assert.JSONEq(t, `{"track":"health"}`, string(entries[0].Metadata))
	assert.Nil(t, entries[1].Metadata)
	assert.Equal(t, 3, entries[2].Rank)
}

func TestFetchCriteria(t *testing.T) {
	desc := "How new is it"
	db := &fakeDB{query: func([]any) [][]any {
		return [][]any{
			{"innovation", "Innovation", desc, 1.0, 10.0, 0.3, 1},
			{"story", "Story", nil, 1.0, 10.0, 0.1, 4},
		}
	}}

	criteria, err := NewRepository(db, Config{}).FetchCriteria(context.Background(), "evt")
	require.NoError(t, err)
	require.Len(t, criteria, 2)
	assert.Equal(t, desc, criteria[0].Description)
	assert.Empty(t, criteria[1].Description)
	assert.Equal(t, 0.1, criteria[1].Weight)
}

func TestFetchTimerWithoutRowIsIdle(t *testing.T) {
	db := &fakeDB{row: fakeRow{err: pgx.ErrNoRows}}

	s, err := NewRepository(db, Config{}).FetchTimer(context.Background(), "evt")
	require.NoError(t, err)
	assert.Equal(t, timer.PhaseIdle, s.Phase)
	assert.Zero(t, s.Revision)
	assert.Equal(t, timer.SourceNetwork, s.Source)
}

func TestApplyActionPassesNullableOptions(t *testing.T) {
	started := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	db := &fakeDB{row: fakeRow{values: []any{
		"evt", "running", 300, started, nil, "ops", started, int64(8),
	}}}

	s, err := NewRepository(db, Config{}).ApplyAction(context.Background(), "evt", timer.ActionStart, timer.ActionOptions{ControlOwner: "ops"})
	require.NoError(t, err)
	assert.Equal(t, timer.PhaseRunning, s.Phase)
	assert.Equal(t, int64(8), s.Revision)
	require.NotNil(t, s.StartedAt)
	assert.Equal(t, started, *s.StartedAt)
	assert.Nil(t, s.PausedAt)
	require.NotNil(t, s.ControlOwner)
	assert.Equal(t, "ops", *s.ControlOwner)

	require.Len(t, db.rowCalls, 1)
	args := db.rowCalls[0].args
	assert.Equal(t, "start", args[1])
	assert.Nil(t, args[2].(*int))
	assert.Nil(t, args[3].(*string))
	assert.Equal(t, "ops", *args[4].(*string))
}

func TestCreateShareLink(t *testing.T) {
	expires := time.Date(2026, 3, 14, 21, 0, 0, 0, time.UTC)
	db := &fakeDB{row: fakeRow{values: []any{"tok 1", expires}}}
	repo := NewRepository(db, Config{DisplayBaseURL: "https://judge.example/"})

	link, err := repo.CreateShareLink(context.Background(), "evt", 12*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "https://judge.example/display/evt?token=tok+1", link.URL)
	assert.Equal(t, expires, link.ExpiresAt)
	assert.Equal(t, int64(43200), db.rowCalls[0].args[1])
}

func TestCreateShareLinkWithoutFunctionIsUnavailable(t *testing.T) {
	db := &fakeDB{row: fakeRow{err: &pgconn.PgError{Code: "42883", Message: "function create_display_link does not exist"}}}

	_, err := NewRepository(db, Config{}).CreateShareLink(context.Background(), "evt", time.Hour)
	assert.ErrorIs(t, err, collab.ErrUnavailable)
}

func TestDeliverBallot(t *testing.T) {
	db := &fakeDB{}
	repo := NewRepository(db, Config{JudgeID: "judge-7"})

	err := repo.DeliverBallot(context.Background(), "evt", "team", ballot.SubmissionPayload{
		Scores:   map[string]float64{"ux": 7},
		Comments: "Great",
	})
	require.NoError(t, err)
	require.Len(t, db.execs, 1)
	args := db.execs[0].args
	assert.Equal(t, "judge-7", args[2])
	assert.JSONEq(t, `{"ux":7}`, string(args[3].([]byte)))
	assert.Equal(t, pqtype.NullRawMessage{RawMessage: []byte(`"Great"`), Valid: true}, args[4])

	assert.False(t, commentsParam("").Valid)
}
