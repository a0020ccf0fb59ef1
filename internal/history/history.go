// Package history persists a durable record of finished research runs in
// SQLite, independent of the Redis archive's TTL.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/CK991357/gemini-chat-sub000/internal/research"
)

const schema = `
CREATE TABLE IF NOT EXISTS research_runs (
	run_id      TEXT PRIMARY KEY,
	query       TEXT NOT NULL,
	mode        TEXT NOT NULL,
	status      TEXT NOT NULL,
	success     INTEGER NOT NULL,
	iterations  INTEGER NOT NULL,
	tokens_used INTEGER NOT NULL,
	source_count INTEGER NOT NULL,
	report      TEXT,
	result_json TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_research_runs_started ON research_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_research_runs_status ON research_runs(status);
`

// RunRecord is the queryable projection of a stored run.
type RunRecord struct {
	RunID       string    `db:"run_id"`
	Query       string    `db:"query"`
	Mode        string    `db:"mode"`
	Status      string    `db:"status"`
	Success     bool      `db:"success"`
	Iterations  int       `db:"iterations"`
	TokensUsed  int       `db:"tokens_used"`
	SourceCount int       `db:"source_count"`
	Report      string    `db:"report"`
	ResultJSON  string    `db:"result_json"`
	StartedAt   time.Time `db:"started_at"`
	FinishedAt  time.Time `db:"finished_at"`
}

// Store is the run-history database client.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open opens (and migrates) the SQLite database at dsn.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// NewWithDB wraps an existing connection, mainly for tests.
func NewWithDB(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Record inserts or replaces the history row for a finished run.
func (s *Store) Record(ctx context.Context, result *research.Result) error {
	if result == nil || result.RunID == "" {
		return fmt.Errorf("result must carry a run ID")
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", result.RunID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO research_runs
		(run_id, query, mode, status, success, iterations, tokens_used, source_count, report, result_json, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID, result.Query, string(result.Mode), string(result.Status),
		result.Success, result.Iterations, result.TokensUsed, len(result.Sources),
		result.Report, string(payload), result.StartedAt, result.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", result.RunID, err)
	}
	s.logger.Debug("run recorded in history", zap.String("run_id", result.RunID))
	return nil
}

// Get returns the stored record for a run ID.
func (s *Store) Get(ctx context.Context, runID string) (*RunRecord, error) {
	var rec RunRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT * FROM research_runs WHERE run_id = ?`, runID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return &rec, nil
}

// Result unmarshals the full stored result for a run ID, nil when absent.
func (s *Store) Result(ctx context.Context, runID string) (*research.Result, error) {
	rec, err := s.Get(ctx, runID)
	if err != nil || rec == nil {
		return nil, err
	}
	var result research.Result
	if err := json.Unmarshal([]byte(rec.ResultJSON), &result); err != nil {
		return nil, fmt.Errorf("unmarshal run %s: %w", runID, err)
	}
	return &result, nil
}

// List returns the newest runs first, up to limit.
func (s *Store) List(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []RunRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM research_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return recs, nil
}

// Stats summarizes run outcomes by status.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT status, COUNT(*) AS n FROM research_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats[status] = n
	}
	return stats, rows.Err()
}

// Prune deletes runs older than the cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM research_runs WHERE finished_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
