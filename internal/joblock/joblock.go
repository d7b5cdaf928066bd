// Package joblock guards periodic jobs so that at most one runner is active
// per job name. A lock expires on its own so a crashed holder cannot wedge
// the job forever.
package joblock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput = errors.New("joblock: invalid input")
	ErrNotHolder    = errors.New("joblock: not holder")
)

type Lock struct {
	Job    string
	Holder string
	Until  time.Time
}

// Store hands out job locks.
//
// Acquire returns held=true when the caller now holds the lock, either because
// it was free, had expired, or was already held by the same holder. Otherwise
// it returns the current lock with held=false.
//
// Release is a no-op when the lock is absent and fails with ErrNotHolder when
// someone else holds it.
type Store interface {
	Acquire(ctx context.Context, job, holder string, ttl time.Duration) (Lock, bool, error)
	Release(ctx context.Context, job, holder string) error
}

func Validate(job, holder string, ttl time.Duration) error {
	if strings.TrimSpace(job) == "" || strings.TrimSpace(holder) == "" {
		return fmt.Errorf("%w: job and holder are required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be > 0", ErrInvalidInput)
	}
	return nil
}

// Run acquires job, calls fn while holding it and releases it afterwards.
// ran is false when another holder owns the lock; fn is not called then.
func Run(ctx context.Context, s Store, job, holder string, ttl time.Duration, fn func(ctx context.Context) error) (ran bool, err error) {
	if s == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	_, held, err := s.Acquire(ctx, job, holder, ttl)
	if err != nil {
		return false, err
	}
	if !held {
		return false, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()
	fnErr := fn(runCtx)

	// Release with a fresh context so a cancelled run still frees the lock.
	relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer relCancel()
	if relErr := s.Release(relCtx, job, holder); relErr != nil && fnErr == nil {
		return true, fmt.Errorf("joblock: release %s: %w", job, relErr)
	}
	return true, fnErr
}
