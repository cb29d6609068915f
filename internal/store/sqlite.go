// ABOUTME: SQLite implementation of the outcome ledger using modernc.org/sqlite
// ABOUTME: Creates the schema on open and supports filtered listing and aggregate stats

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Several workers record outcomes concurrently; one connection keeps
	// SQLite from returning SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS outcomes (
			id                TEXT PRIMARY KEY,
			channel           TEXT NOT NULL,
			message_id        TEXT NOT NULL,
			thread_id         TEXT,
			status            TEXT NOT NULL,
			reason            TEXT,
			frames            INTEGER NOT NULL DEFAULT 0,
			tools             TEXT,
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			duration_ms       INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL,

			CHECK (status IN ('completed', 'error', 'rejected'))
		);

		CREATE INDEX IF NOT EXISTS idx_outcomes_channel ON outcomes(channel, created_at);
		CREATE INDEX IF NOT EXISTS idx_outcomes_created ON outcomes(created_at);
		CREATE INDEX IF NOT EXISTS idx_outcomes_message ON outcomes(message_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordOutcome inserts an outcome. ID and CreatedAt are filled in when empty.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, o *Outcome) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO outcomes (
			id, channel, message_id, thread_id, status, reason, frames, tools,
			prompt_tokens, completion_tokens, duration_ms, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		o.ID,
		o.Channel,
		o.MessageID,
		nullString(o.ThreadID),
		o.Status,
		nullString(o.Reason),
		o.Frames,
		nullString(strings.Join(o.Tools, ",")),
		o.PromptTokens,
		o.CompletionTokens,
		o.Duration.Milliseconds(),
		o.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting outcome: %w", err)
	}

	s.logger.Debug("recorded outcome",
		"id", o.ID,
		"channel", o.Channel,
		"message_id", o.MessageID,
		"status", o.Status,
		"reason", o.Reason,
	)
	return nil
}

// timeFormat has a fixed-width fraction so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const outcomeColumns = `id, channel, message_id, thread_id, status, reason, frames, tools,
	prompt_tokens, completion_tokens, duration_ms, created_at`

// GetOutcome retrieves an outcome by ID.
func (s *SQLiteStore) GetOutcome(ctx context.Context, id string) (*Outcome, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outcomeColumns+` FROM outcomes WHERE id = ?`, id)
	o, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ListOutcomes returns outcomes matching filter, newest first.
func (s *SQLiteStore) ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]*Outcome, error) {
	where, args := filter.where()
	query := `SELECT ` + outcomeColumns + ` FROM outcomes` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outcome rows: %w", err)
	}
	return out, nil
}

// OutcomeStats aggregates outcomes matching filter. Limit is ignored.
func (s *SQLiteStore) OutcomeStats(ctx context.Context, filter OutcomeFilter) (*OutcomeStats, error) {
	where, args := filter.where()
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'rejected' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(AVG(duration_ms), 0)
		FROM outcomes` + where

	stats := &OutcomeStats{ByReason: make(map[string]int64)}
	var avgMillis float64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Completed,
		&stats.Errored,
		&stats.Rejected,
		&stats.PromptTokens,
		&stats.CompletionTokens,
		&avgMillis,
	)
	if err != nil {
		return nil, fmt.Errorf("querying outcome stats: %w", err)
	}
	stats.AvgDuration = time.Duration(avgMillis * float64(time.Millisecond))

	reasonWhere := where
	if reasonWhere == "" {
		reasonWhere = " WHERE reason IS NOT NULL"
	} else {
		reasonWhere += " AND reason IS NOT NULL"
	}
	rows, err := s.db.QueryContext(ctx, `SELECT reason, COUNT(*) FROM outcomes`+reasonWhere+` GROUP BY reason`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying outcome reasons: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var reason string
		var n int64
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("scanning outcome reason: %w", err)
		}
		stats.ByReason[reason] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outcome reasons: %w", err)
	}

	return stats, nil
}

func (f OutcomeFilter) where() (string, []any) {
	var clauses []string
	var args []any
	if f.Channel != "" {
		clauses = append(clauses, "channel = ?")
		args = append(args, f.Channel)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Since != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(timeFormat))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutcome(row rowScanner) (*Outcome, error) {
	var (
		o                       Outcome
		threadID, reason, tools sql.NullString
		durationMillis          int64
		createdAt               string
	)
	err := row.Scan(
		&o.ID,
		&o.Channel,
		&o.MessageID,
		&threadID,
		&o.Status,
		&reason,
		&o.Frames,
		&tools,
		&o.PromptTokens,
		&o.CompletionTokens,
		&durationMillis,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning outcome: %w", err)
	}

	o.ThreadID = threadID.String
	o.Reason = reason.String
	if tools.String != "" {
		o.Tools = strings.Split(tools.String, ",")
	}
	o.Duration = time.Duration(durationMillis) * time.Millisecond
	o.CreatedAt, err = time.Parse(timeFormat, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
