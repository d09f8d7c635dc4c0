package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"offline-meal-queue/internal/models"
)

// SQLiteBackend keeps the queue in a local SQLite file so it survives restarts.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies migrations.
// Safe to call repeatedly on the same file.
func OpenSQLite(ctx context.Context, path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	// One writer; the agent and worker processes serialize through busy_timeout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	err = runMigrations(ctx, "sqlite", func(ctx context.Context, stmt string) error {
		_, err := db.ExecContext(ctx, stmt)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert adds one row inside a transaction and returns the assigned id.
func (s *SQLiteBackend) Insert(ctx context.Context, meal models.MealCollection, createdAt time.Time) (int64, error) {
	payload, err := json.Marshal(meal)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	res, err := tx.ExecContext(ctx, `
		INSERT INTO pending_meals (timestamp, created_at_ms, payload)
		VALUES (?, ?, ?)
	`, meal.Timestamp, createdAt.UnixMilli(), string(payload))
	if err != nil {
		return 0, fmt.Errorf("insert pending meal: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

func (s *SQLiteBackend) List(ctx context.Context) ([]models.PendingEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM pending_meals ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending meals: %w", err)
	}
	defer rows.Close()

	var out []models.PendingEvent
	for rows.Next() {
		var (
			ev      models.PendingEvent
			payload string
		)
		if err := rows.Scan(&ev.ID, &payload); err != nil {
			return nil, fmt.Errorf("scan pending meal: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload %d: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending meals: %w", err)
	}
	return out, nil
}

func (s *SQLiteBackend) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_meals WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pending meal: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteBackend) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_meals`); err != nil {
		return fmt.Errorf("clear pending meals: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Oldest(ctx context.Context) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at_ms FROM pending_meals ORDER BY created_at_ms ASC LIMIT 1
	`).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query oldest pending meal: %w", err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}
