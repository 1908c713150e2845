// Package store is the SQLite run journal. It records one summary row per
// embedding call and never stores input text or vectors.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/xiy/lmembed/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Stats summarizes journal counters for dashboards.
type Stats struct {
	Total   int64
	OK      int64
	Failed  int64
	Last24h int64
}

// KindCount is the number of failed runs with one error kind.
type KindCount struct {
	Kind  string
	Count int64
}

// Journal is the persistence surface used by the pipeline, the retention
// worker and the dashboard.
type Journal interface {
	InsertRun(ctx context.Context, run types.Run) (types.Run, error)
	RecentRuns(ctx context.Context, limit int) ([]types.Run, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
	FailuresByKind(ctx context.Context) ([]KindCount, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// SQLiteStore is a SQLite-backed run journal.
type SQLiteStore struct {
	db     *sql.DB
	logger *log.Logger
}

// OpenSQLite opens and initializes the journal at dbPath.
func OpenSQLite(ctx context.Context, dbPath string, logger *log.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run schema stmt: %w", err)
		}
	}
	return nil
}

// InsertRun stores one run and returns it with its assigned id.
func (s *SQLiteStore) InsertRun(ctx context.Context, run types.Run) (types.Run, error) {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	success := 0
	if run.Success {
		success = 1
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO runs (
		mode, model, provider, precision, device, input_chars, tokens, dimensions,
		duration_ms, success, error_kind, error_text, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Mode,
		run.Model,
		run.Provider,
		run.Precision,
		run.Device,
		run.InputChars,
		run.Tokens,
		run.Dimensions,
		run.DurationMS,
		success,
		run.ErrorKind,
		strings.TrimSpace(run.ErrorText),
		run.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return run, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return run, fmt.Errorf("insert run id: %w", err)
	}
	run.ID = id
	return run, nil
}

// RecentRuns returns runs in newest-first order.
func (s *SQLiteStore) RecentRuns(ctx context.Context, limit int) ([]types.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, mode, model, provider, precision, device,
       input_chars, tokens, dimensions, duration_ms, success, error_kind, error_text, created_at
FROM runs
ORDER BY created_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	defer rows.Close()

	items := make([]types.Run, 0, limit)
	for rows.Next() {
		var (
			run       types.Run
			success   int
			createdAt string
		)
		if err := rows.Scan(
			&run.ID,
			&run.Mode,
			&run.Model,
			&run.Provider,
			&run.Precision,
			&run.Device,
			&run.InputChars,
			&run.Tokens,
			&run.Dimensions,
			&run.DurationMS,
			&success,
			&run.ErrorKind,
			&run.ErrorText,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Success = success == 1
		if ts, err := time.Parse(timeLayout, createdAt); err == nil {
			run.CreatedAt = ts
		}
		items = append(items, run)
	}
	return items, rows.Err()
}

// Stats counts all runs, successes, failures and runs in the 24 hours
// before now.
func (s *SQLiteStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var st Stats
	since := now.UTC().Add(-24 * time.Hour).Format(timeLayout)
	err := s.db.QueryRowContext(ctx, `SELECT
  count(*),
  coalesce(sum(success), 0),
  coalesce(sum(1 - success), 0),
  coalesce(sum(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0)
FROM runs`, since).Scan(&st.Total, &st.OK, &st.Failed, &st.Last24h)
	if err != nil {
		return st, fmt.Errorf("journal stats: %w", err)
	}
	return st, nil
}

// FailuresByKind groups failed runs by error kind, largest group first.
func (s *SQLiteStore) FailuresByKind(ctx context.Context) ([]KindCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT error_kind, count(*) AS n
FROM runs
WHERE success = 0
GROUP BY error_kind
ORDER BY n DESC, error_kind ASC`)
	if err != nil {
		return nil, fmt.Errorf("failures by kind: %w", err)
	}
	defer rows.Close()

	var out []KindCount
	for rows.Next() {
		var kc KindCount
		if err := rows.Scan(&kc.Kind, &kc.Count); err != nil {
			return nil, fmt.Errorf("scan failure kind: %w", err)
		}
		out = append(out, kc)
	}
	return out, rows.Err()
}

// PruneBefore deletes runs created before cutoff.
func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE created_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Journal = (*SQLiteStore)(nil)
