package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the Postgres connection pool for the task store.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
	// Table must exist with the shape:
	//   CREATE TABLE task_sets (
	//     installation TEXT PRIMARY KEY,
	//     tasks        JSONB NOT NULL,
	//     updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	//   );
	Table string `mapstructure:"table"`
	// Installation keys the row holding this crawler's task sequence.
	Installation    string        `mapstructure:"installation"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type pgPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore keeps the whole task sequence in one keyed JSONB row,
// rewritten in full on every save.
type PostgresStore struct {
	pool         pgPool
	table        string
	installation string
}

// NewPostgresStore connects a pool using the provided config.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgresStoreWithPool(pool, cfg.Table, cfg.Installation)
}

// NewPostgresStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewPostgresStoreWithPool(pool pgPool, table, installation string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "task_sets"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if installation == "" {
		installation = "default"
	}
	return &PostgresStore{pool: pool, table: table, installation: installation}, nil
}

// Load reads the task sequence. A missing row is an empty sequence.
func (s *PostgresStore) Load(ctx context.Context) ([]Task, error) {
	query := fmt.Sprintf(`SELECT tasks FROM %s WHERE installation = $1`, s.table)
	var data []byte
	err := s.pool.QueryRow(ctx, query, s.installation).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: select tasks: %v", ErrStoreUnavailable, err)
	}
	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("decode task store row: %w", err)
	}
	return tasks, nil
}

// Save upserts the full task sequence in one statement.
func (s *PostgresStore) Save(ctx context.Context, tasks []Task) error {
	if tasks == nil {
		tasks = []Task{}
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("encode task store: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (installation, tasks, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (installation) DO UPDATE SET tasks = EXCLUDED.tasks, updated_at = now()`, s.table)
	if _, err := s.pool.Exec(ctx, query, s.installation, data); err != nil {
		return fmt.Errorf("%w: upsert tasks: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
