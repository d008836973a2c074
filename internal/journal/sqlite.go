package journal

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pkg/errors"

	"github.com/kalefund/fund-engine/internal/model"
)

// SQLiteSchema creates the run table. Run IDs are ULIDs, so ordering by
// run_id is ordering by start time.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS rebalance_runs (
	run_id     TEXT PRIMARY KEY,
	sequence   INTEGER NOT NULL,
	status     TEXT NOT NULL,
	transfers  INTEGER NOT NULL,
	epoch      INTEGER NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rebalance_runs_sequence ON rebalance_runs(sequence);
`

// SQLiteJournal stores runs in a SQLite file for ad-hoc querying.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLite opens the journal database at path (":memory:" for tests).
func OpenSQLite(ctx context.Context, path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal database %s", path)
	}
	// One connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping journal database %s", path)
	}
	if _, err := db.ExecContext(ctx, SQLiteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate journal database")
	}
	return &SQLiteJournal{db: db}, nil
}

// Append inserts one run. Re-appending a run ID is a no-op.
func (j *SQLiteJournal) Append(ctx context.Context, result model.RebalanceResult) error {
	if result.RunID == "" {
		return errors.New("journal: run id is required")
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "marshal rebalance run")
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO rebalance_runs (run_id, sequence, status, transfers, epoch, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		result.RunID, result.Sequence, result.Status, len(result.Transfers), result.Epoch, string(payload),
	)
	return errors.Wrapf(err, "insert run %s", result.RunID)
}

// List returns the newest runs first.
func (j *SQLiteJournal) List(ctx context.Context, limit int) ([]model.RebalanceResult, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT payload FROM rebalance_runs ORDER BY run_id DESC LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()

	var out []model.RebalanceResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		var r model.RebalanceResult
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, errors.Wrap(err, "decode run")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate runs")
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
