package exchange

import (
	"context"
	"errors"

	"github.com/diyama/exchange-desk/internal/identity"
)

// ErrDuplicate is returned by a Tx insert whose key already exists.
var ErrDuplicate = errors.New("exchange: duplicate key")

const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// Tx is the view of the store inside a single transaction.
//
// Lookups that miss return ErrNotFound. UpdateRequest persists Status and Notes
// only; every other request field is fixed at insert time.
type Tx interface {
	FindRequest(ctx context.Context, id uint64) (Request, error)
	InsertRequest(ctx context.Context, r Request) (Request, error)
	UpdateRequest(ctx context.Context, r Request) error
	CountRequests(ctx context.Context) (int64, error)

	FindAdmin(ctx context.Context, id identity.Identity) (Admin, error)
	InsertAdmin(ctx context.Context, a Admin) error
	CountAdmins(ctx context.Context) (int64, error)
}

// Store runs serializable transactions and serves the public read channel.
//
// WithTx commits only when fn returns nil; any error leaves both tables untouched.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetRequest(ctx context.Context, id uint64) (Request, error)
	ListRequests(ctx context.Context, f ListFilter) ([]Request, error)
}

// ListFilter selects requests in ascending id order. Zero values match everything.
type ListFilter struct {
	Status  Status
	Owner   identity.Identity
	AfterID uint64
	Limit   int
}

// Normalized returns f with Limit clamped to (0, MaxListLimit].
func (f ListFilter) Normalized() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	return f
}

func (f ListFilter) match(r Request) bool {
	if r.ID <= f.AfterID {
		return false
	}
	if f.Status != StatusUnknown && r.Status != f.Status {
		return false
	}
	if !f.Owner.IsZero() && r.Owner != f.Owner {
		return false
	}
	return true
}
