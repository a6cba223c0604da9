package montage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tailscale/squibble"
	_ "modernc.org/sqlite"
)

//go:embed db/latest_schema.sql
var dbSchema string

var schema = &squibble.Schema{
	Current: dbSchema,
}

// DB is a history of workflow runs. It is only written to and listed, never
// consulted to avoid provider calls.
type DB struct {
	mu sync.Mutex
	db *sql.DB
}

// RunSummary is one row of the runs table.
type RunSummary struct {
	ID            string    `json:"id"`
	Provider      string    `json:"provider"`
	StartedAt     time.Time `json:"started_at"`
	Duration      float64   `json:"duration_seconds"`
	Succeeded     int       `json:"succeeded_count"`
	Failed        int       `json:"failed_count"`
	Summary       string    `json:"summary,omitempty"`
	SummaryStatus Status    `json:"summary_status"`
	SummaryError  string    `json:"summary_error,omitempty"`
	TimedOut      bool      `json:"timed_out"`
}

func (db *DB) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.db.Close()
}

func NewDB(ctx context.Context, fname string) (*DB, error) {
	// Open the DB but flip on the cleaner timestamps from Go
	sqldb, err := sql.Open("sqlite", fname+"?_time_format=sqlite")
	if err != nil {
		return nil, err
	}
	// :memory: databases are per connection
	sqldb.SetMaxOpenConns(1)
	if err := sqldb.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, err
	}
	if err := schema.Apply(ctx, sqldb); err != nil {
		sqldb.Close()
		return nil, err
	}

	return &DB{db: sqldb}, nil
}

const outcomeBatchSize = 100

// SaveRun stores a run and all of its outcomes in one transaction.
func (db *DB) SaveRun(ctx context.Context, res *Result) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	txn, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	_, err = txn.ExecContext(ctx, `
		INSERT INTO runs
		(id, provider, started_at, duration_ms, succeeded, failed, summary, summary_status, summary_error, timed_out)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		res.ID,
		res.Provider,
		res.StartedAt,
		res.Duration.Milliseconds(),
		res.Succeeded,
		res.Failed,
		nullString(res.Summary),
		string(res.SummaryStatus),
		nullString(res.SummaryError),
		res.TimedOut,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	// Multi-row inserts, batched to stay under sqlite's variable limit
	const cols = 8
	for start := 0; start < len(res.Outcomes); start += outcomeBatchSize {
		end := min(start+outcomeBatchSize, len(res.Outcomes))

		qsb := strings.Builder{}
		qsb.WriteString("INSERT INTO outcomes (run_id, position, image_id, status, description, error, attempts, duration_ms) VALUES")
		values := make([]any, 0, (end-start)*cols)
		for idx, o := range res.Outcomes[start:end] {
			qsb.WriteString(" (")
			for c := range cols {
				if c > 0 {
					qsb.WriteString(",")
				}
				qsb.WriteString("$")
				qsb.WriteString(strconv.Itoa(idx*cols + c + 1))
			}
			qsb.WriteString("),")

			values = append(values,
				res.ID,
				start+idx,
				o.ID,
				string(o.Status),
				nullString(o.Description),
				nullString(o.Error),
				o.Attempts,
				o.Duration.Milliseconds(),
			)
		}
		queryString := qsb.String()

		// Remove trailing comma
		queryString = queryString[0 : len(queryString)-1]

		if _, err := txn.ExecContext(ctx, queryString, values...); err != nil {
			return fmt.Errorf("inserting outcomes: %w", err)
		}
	}

	return txn.Commit()
}

// Runs returns the most recent runs, newest first. limit <= 0 returns all.
func (db *DB) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	query := `
		SELECT id, provider, started_at, duration_ms, succeeded, failed,
			   summary, summary_status, summary_error, timed_out
		FROM runs
		ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var (
			r          RunSummary
			durationMS int64
			summary    sql.NullString
			summaryErr sql.NullString
			status     string
		)
		err := rows.Scan(
			&r.ID,
			&r.Provider,
			&r.StartedAt,
			&durationMS,
			&r.Succeeded,
			&r.Failed,
			&summary,
			&status,
			&summaryErr,
			&r.TimedOut,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning runs: %w", err)
		}
		r.Duration = (time.Duration(durationMS) * time.Millisecond).Seconds()
		r.Summary = summary.String
		r.SummaryStatus = Status(status)
		r.SummaryError = summaryErr.String

		runs = append(runs, r)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// RunOutcomes returns the outcomes recorded for runID in input order.
func (db *DB) RunOutcomes(ctx context.Context, runID string) ([]Outcome, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT image_id, status, description, error, attempts, duration_ms
		FROM outcomes
		WHERE run_id=?
		ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []Outcome
	for rows.Next() {
		var (
			o          Outcome
			status     string
			desc       sql.NullString
			errmsg     sql.NullString
			durationMS int64
		)
		if err := rows.Scan(&o.ID, &status, &desc, &errmsg, &o.Attempts, &durationMS); err != nil {
			return nil, fmt.Errorf("error scanning outcomes: %w", err)
		}
		o.Status = Status(status)
		o.Description = desc.String
		o.Error = errmsg.String
		o.Duration = time.Duration(durationMS) * time.Millisecond

		outcomes = append(outcomes, o)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}

	return outcomes, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
