package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/jonboulle/clockwork"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	DSN    string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DSN == "" {
		return errors.New("dsn is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store is the Postgres-backed journal.
type Store struct {
	log   *slog.Logger
	clock clockwork.Clock
	pool  *pgxpool.Pool
}

// Open connects to Postgres, runs the embedded migrations, and returns
// the store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MaxConnLifetime = time.Hour

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if err := runMigrations(cfg.DSN); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	cfg.Logger.Info("journal: connected to postgres")
	return &Store{log: cfg.Logger, clock: cfg.Clock, pool: pool}, nil
}

func runMigrations(dsn string) error {
	goose.SetBaseFS(embedMigrations)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *Store) Record(ctx context.Context, ev Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.clock.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pool_events (id, event_type, occurred_at, actor, vault, assets, shares, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.ID, string(ev.Type), ev.OccurredAt, ev.Actor, ev.Vault, ev.Assets, ev.Shares, ev.Detail)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_type, occurred_at, actor, vault, assets, shares, detail
		FROM pool_events
		ORDER BY occurred_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var typ string
		if err := rows.Scan(&ev.ID, &typ, &ev.OccurredAt, &ev.Actor, &ev.Vault, &ev.Assets, &ev.Shares, &ev.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = EventType(typ)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return out, nil
}

func (s *Store) Close() {
	s.pool.Close()
}
