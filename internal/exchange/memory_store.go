package exchange

import (
	"context"
	"sync"

	"github.com/diyama/exchange-desk/internal/identity"
)

// MemoryStore is an in-process Store. Transactions are serialized by a single
// mutex. A transaction records its writes and applies them on commit, so its
// cost is proportional to what it touches rather than to the table sizes.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[uint64]Request
	admins   map[identity.Identity]Admin
	nextID   uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[uint64]Request),
		admins:   make(map[identity.Identity]Admin),
		nextID:   1,
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		store:    s,
		requests: make(map[uint64]Request),
		admins:   make(map[identity.Identity]Admin),
		nextID:   s.nextID,
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for id, r := range tx.requests {
		s.requests[id] = r
	}
	for id, a := range tx.admins {
		s.admins[id] = a
	}
	s.nextID = tx.nextID
	return nil
}

func (s *MemoryStore) GetRequest(_ context.Context, id uint64) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListRequests(_ context.Context, f ListFilter) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f = f.Normalized()
	out := make([]Request, 0, min(f.Limit, len(s.requests)))
	// Ids are dense from 1, so walking the sequence yields ascending order.
	for id := f.AfterID + 1; id < s.nextID && len(out) < f.Limit; id++ {
		r, ok := s.requests[id]
		if !ok || !f.match(r) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// memoryTx overlays pending writes on the committed tables. It only runs while
// the store mutex is held.
type memoryTx struct {
	store *MemoryStore

	requests map[uint64]Request
	admins   map[identity.Identity]Admin
	inserted int64
	nextID   uint64
}

func (t *memoryTx) FindRequest(_ context.Context, id uint64) (Request, error) {
	if r, ok := t.requests[id]; ok {
		return r, nil
	}
	r, ok := t.store.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return r, nil
}

func (t *memoryTx) InsertRequest(ctx context.Context, r Request) (Request, error) {
	r.ID = t.nextID
	if _, err := t.FindRequest(ctx, r.ID); err == nil {
		return Request{}, ErrDuplicate
	}
	t.nextID++
	t.inserted++
	t.requests[r.ID] = r
	return r, nil
}

func (t *memoryTx) UpdateRequest(ctx context.Context, r Request) error {
	cur, err := t.FindRequest(ctx, r.ID)
	if err != nil {
		return err
	}
	cur.Status = r.Status
	cur.Notes = r.Notes
	t.requests[r.ID] = cur
	return nil
}

func (t *memoryTx) CountRequests(_ context.Context) (int64, error) {
	return int64(len(t.store.requests)) + t.inserted, nil
}

func (t *memoryTx) FindAdmin(_ context.Context, id identity.Identity) (Admin, error) {
	if a, ok := t.admins[id]; ok {
		return a, nil
	}
	a, ok := t.store.admins[id]
	if !ok {
		return Admin{}, ErrNotFound
	}
	return a, nil
}

func (t *memoryTx) InsertAdmin(ctx context.Context, a Admin) error {
	if _, err := t.FindAdmin(ctx, a.Identity); err == nil {
		return ErrDuplicate
	}
	t.admins[a.Identity] = a
	return nil
}

func (t *memoryTx) CountAdmins(_ context.Context) (int64, error) {
	return int64(len(t.store.admins) + len(t.admins)), nil
}
