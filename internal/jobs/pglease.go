package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const leaseSchema = `
CREATE TABLE IF NOT EXISTS job_leases (
    lock_key   TEXT PRIMARY KEY,
    owner      TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
)`

// PGLocker keeps leases in a Postgres table so several orchestrator
// processes share one view of running jobs.
type PGLocker struct {
	pool *pgxpool.Pool
}

// NewPGLocker connects to Postgres and ensures the lease table exists.
func NewPGLocker(ctx context.Context, url string) (*PGLocker, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect lease db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping lease db: %w", err)
	}
	if _, err := pool.Exec(ctx, leaseSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create lease table: %w", err)
	}
	return &PGLocker{pool: pool}, nil
}

func (l *PGLocker) Close() { l.pool.Close() }

// Acquire inserts the lease or takes over an expired one. A live lease held
// by another owner makes the conditional update match no row.
func (l *PGLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	var got string
	err := l.pool.QueryRow(ctx, `
		INSERT INTO job_leases (lock_key, owner, expires_at)
		VALUES ($1, $2, now() + $3::interval)
		ON CONFLICT (lock_key) DO UPDATE
			SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
			WHERE job_leases.expires_at < now() OR job_leases.owner = EXCLUDED.owner
		RETURNING owner
	`, key, owner, interval(ttl)).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return got == owner, nil
}

func (l *PGLocker) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	tag, err := l.pool.Exec(ctx, `
		UPDATE job_leases SET expires_at = now() + $3::interval
		WHERE lock_key = $1 AND owner = $2
	`, key, owner, interval(ttl))
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *PGLocker) Release(ctx context.Context, key, owner string) error {
	_, err := l.pool.Exec(ctx, "DELETE FROM job_leases WHERE lock_key = $1 AND owner = $2", key, owner)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

func interval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}
