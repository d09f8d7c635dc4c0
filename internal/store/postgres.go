package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"offline-meal-queue/internal/models"
)

// PostgresBackend wraps pgxpool for kiosk deployments where several handsets
// share one queue database.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// OpenPostgres creates a pooled connection and applies migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	err = runMigrations(ctx, "postgres", func(ctx context.Context, stmt string) error {
		_, err := pool.Exec(ctx, stmt)
		return err
	})
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresBackend{pool: pool}, nil
}

func (s *PostgresBackend) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Insert adds one row inside a transaction and returns the BIGSERIAL id.
func (s *PostgresBackend) Insert(ctx context.Context, meal models.MealCollection, createdAt time.Time) (int64, error) {
	payload, err := json.Marshal(meal)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO pending_meals (timestamp, created_at, payload)
		VALUES ($1, $2, $3)
		RETURNING id
	`, meal.Timestamp, createdAt.UTC(), payload).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert pending meal: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

func (s *PostgresBackend) List(ctx context.Context) ([]models.PendingEvent, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, payload FROM pending_meals ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending meals: %w", err)
	}
	defer rows.Close()

	var out []models.PendingEvent
	for rows.Next() {
		var (
			ev      models.PendingEvent
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &payload); err != nil {
			return nil, fmt.Errorf("scan pending meal: %w", err)
		}
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload %d: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending meals: %w", err)
	}
	return out, nil
}

func (s *PostgresBackend) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pending_meals WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete pending meal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresBackend) DeleteAll(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM pending_meals`); err != nil {
		return fmt.Errorf("clear pending meals: %w", err)
	}
	return nil
}

func (s *PostgresBackend) Oldest(ctx context.Context) (time.Time, bool, error) {
	var oldest time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT created_at FROM pending_meals ORDER BY created_at ASC LIMIT 1
	`).Scan(&oldest)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query oldest pending meal: %w", err)
	}
	return oldest.UTC(), true, nil
}
