// Package pgstore is the PostgreSQL backend for the job and device stores.
// Device state lives in the scheduler process, so a database is served by
// one scheduler at a time; LockScheduler enforces that.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orrn/printq/internal/core"
)

//go:embed schema.sql
var schema string

const (
	uniqueViolation = "23505"

	// schedulerLockKey is the advisory lock id held by the active scheduler.
	schedulerLockKey int64 = 0x7072696e7471
)

var ErrSchedulerLocked = errors.New("another scheduler holds the database")

type Config struct {
	DSN      string
	MaxConns int32
}

// Open connects a pool and applies the schema.
func Open(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if _, err := pool.Exec(connectCtx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return pool, nil
}

// LockScheduler takes a session advisory lock on a dedicated connection.
// It fails with ErrSchedulerLocked while another process holds it. The
// returned func unlocks and returns the connection to the pool.
func LockScheduler(ctx context.Context, pool *pgxpool.Pool) (func(), error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, schedulerLockKey).Scan(&locked); err != nil {
		conn.Release()
		return nil, fmt.Errorf("take scheduler lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, ErrSchedulerLocked
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, schedulerLockKey)
		conn.Release()
	}, nil
}

// Store implements core.JobStore and core.DeviceStore on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var (
	_ core.JobStore    = (*Store)(nil)
	_ core.DeviceStore = (*Store)(nil)
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func classifyMiss(ctx context.Context, q querier, id string, expected core.JobStatus) error {
	var status string
	err := q.QueryRow(ctx, getJobStatus, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.NotFound("job", id)
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}
	return &core.ConflictError{JobID: id, Expected: expected, Actual: core.JobStatus(status)}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
