package joblock

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for tests and single-node runs.
type MemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	locks map[string]Lock
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, locks: make(map[string]Lock)}
}

func (s *MemoryStore) Acquire(_ context.Context, job, holder string, ttl time.Duration) (Lock, bool, error) {
	if err := Validate(job, holder, ttl); err != nil {
		return Lock{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, ok := s.locks[job]
	if ok && cur.Holder != holder && cur.Until.After(now) {
		return cur, false, nil
	}
	next := Lock{Job: job, Holder: holder, Until: now.Add(ttl)}
	s.locks[job] = next
	return next, true, nil
}

func (s *MemoryStore) Release(_ context.Context, job, holder string) error {
	if err := Validate(job, holder, time.Second); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.locks[job]
	if !ok {
		return nil
	}
	if cur.Holder != holder {
		return ErrNotHolder
	}
	delete(s.locks, job)
	return nil
}
