// Package postgres stores job locks in a single Postgres table. Expiry is
// judged against the database clock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diyama/exchange-desk/internal/joblock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrInvalidConfig = errors.New("joblock/postgres: invalid config")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS exchange_job_locks (
	job TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	locked_until TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("joblock/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Acquire(ctx context.Context, job, holder string, ttl time.Duration) (joblock.Lock, bool, error) {
	if err := joblock.Validate(job, holder, ttl); err != nil {
		return joblock.Lock{}, false, err
	}

	ms := ttl.Milliseconds()
	if ms <= 0 {
		ms = 1
	}

	var (
		gotHolder string
		until     time.Time
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO exchange_job_locks (job, holder, locked_until, updated_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'), now())
		ON CONFLICT (job) DO UPDATE
		SET holder = EXCLUDED.holder,
			locked_until = EXCLUDED.locked_until,
			updated_at = now()
		WHERE exchange_job_locks.locked_until <= now() OR exchange_job_locks.holder = EXCLUDED.holder
		RETURNING holder, locked_until
	`, job, holder, ms).Scan(&gotHolder, &until)
	if errors.Is(err, pgx.ErrNoRows) {
		err = s.pool.QueryRow(ctx, `SELECT holder, locked_until FROM exchange_job_locks WHERE job = $1`, job).Scan(&gotHolder, &until)
		if errors.Is(err, pgx.ErrNoRows) {
			// Released between the two statements; the caller may retry.
			return joblock.Lock{}, false, nil
		}
		if err != nil {
			return joblock.Lock{}, false, fmt.Errorf("joblock/postgres: read lock: %w", err)
		}
		return joblock.Lock{Job: job, Holder: gotHolder, Until: until}, false, nil
	}
	if err != nil {
		return joblock.Lock{}, false, fmt.Errorf("joblock/postgres: acquire: %w", err)
	}
	return joblock.Lock{Job: job, Holder: gotHolder, Until: until}, true, nil
}

func (s *Store) Release(ctx context.Context, job, holder string) error {
	if err := joblock.Validate(job, holder, time.Second); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM exchange_job_locks WHERE job = $1 AND holder = $2`, job, holder)
	if err != nil {
		return fmt.Errorf("joblock/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM exchange_job_locks WHERE job = $1)`, job).Scan(&exists); err != nil {
		return fmt.Errorf("joblock/postgres: release: %w", err)
	}
	if exists {
		return joblock.ErrNotHolder
	}
	return nil
}
