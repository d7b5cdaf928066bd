package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/diyama/exchange-desk/internal/identity"
	"github.com/shopspring/decimal"
)

func TestMemoryStore_WithTx_RollsBackOnError(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.InsertRequest(ctx, Request{Status: StatusPending, SourceAmount: decimal.NewFromInt(1)}); err != nil {
			return err
		}
		if err := tx.InsertAdmin(ctx, Admin{Identity: seqIdentity(1)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx: got %v want boom", err)
	}

	if _, err := s.GetRequest(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected rolled-back request, got %v", err)
	}

	// The id sequence is not consumed by an aborted transaction.
	var got Request
	if err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		n, err := tx.CountAdmins(ctx)
		if err != nil {
			return err
		}
		if n != 0 {
			t.Fatalf("admins: got %d want 0", n)
		}
		got, err = tx.InsertRequest(ctx, Request{Status: StatusPending})
		return err
	}); err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if got.ID != 1 {
		t.Fatalf("id: got %d want 1", got.ID)
	}
}

func TestMemoryStore_UpdateRequest_OnlyStatusAndNotes(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var inserted Request
	if err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		inserted, err = tx.InsertRequest(ctx, Request{
			Owner:        seqIdentity(1),
			FullName:     "A",
			SourceAmount: decimal.NewFromInt(2),
			DestAmount:   decimal.RequireFromString("53"),
			Status:       StatusPending,
			CreatedAt:    created,
		})
		return err
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		r := inserted
		r.Status = StatusInProgress
		r.Notes = "n"
		r.FullName = "B"
		r.DestAmount = decimal.NewFromInt(1)
		r.Owner = seqIdentity(2)
		return tx.UpdateRequest(ctx, r)
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetRequest(ctx, inserted.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.Status != StatusInProgress || got.Notes != "n" {
		t.Fatalf("mutable fields: status=%s notes=%q", got.Status, got.Notes)
	}
	if got.FullName != "A" || got.Owner != seqIdentity(1) || !got.DestAmount.Equal(decimal.RequireFromString("53")) {
		t.Fatalf("immutable fields changed: %+v", got)
	}

	if err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.UpdateRequest(ctx, Request{ID: 99})
	}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing: got %v want ErrNotFound", err)
	}
}

func TestMemoryStore_InsertAdmin_Duplicate(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	err := s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.InsertAdmin(ctx, Admin{Identity: seqIdentity(7)}); err != nil {
			return err
		}
		return tx.InsertAdmin(ctx, Admin{Identity: seqIdentity(7)})
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestMemoryStore_WithTx_CanceledContext(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.WithTx(ctx, func(context.Context, Tx) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Fatalf("fn should not run on a canceled context")
	}
}

func TestListFilter_Normalized(t *testing.T) {
	t.Parallel()

	if got := (ListFilter{}).Normalized().Limit; got != DefaultListLimit {
		t.Fatalf("default: got %d", got)
	}
	if got := (ListFilter{Limit: MaxListLimit + 1}).Normalized().Limit; got != MaxListLimit {
		t.Fatalf("clamp: got %d", got)
	}
	if got := (ListFilter{Limit: 7}).Normalized().Limit; got != 7 {
		t.Fatalf("keep: got %d", got)
	}
}

func seqIdentity(b byte) identity.Identity {
	var id identity.Identity
	for i := range id {
		id[i] = b + byte(i)
	}
	return id
}

func TestMemoryStore_WithTx_OverlaysPendingWrites(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		for i := 0; i < 3; i++ {
			if _, err := tx.InsertRequest(ctx, Request{Status: StatusPending, Notes: "seed"}); err != nil {
				return err
			}
		}
		return tx.InsertAdmin(ctx, Admin{Identity: seqIdentity(1)})
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		r, err := tx.FindRequest(ctx, 2)
		if err != nil {
			return err
		}
		r.Status = StatusCancelled
		r.Notes = "changed"
		if err := tx.UpdateRequest(ctx, r); err != nil {
			return err
		}
		got, err := tx.FindRequest(ctx, 2)
		if err != nil {
			return err
		}
		if got.Status != StatusCancelled || got.Notes != "changed" {
			t.Fatalf("pending update not visible: %+v", got)
		}

		inserted, err := tx.InsertRequest(ctx, Request{Status: StatusPending})
		if err != nil {
			return err
		}
		if inserted.ID != 4 {
			t.Fatalf("id: got %d want 4", inserted.ID)
		}
		if n, _ := tx.CountRequests(ctx); n != 4 {
			t.Fatalf("count with pending insert: got %d want 4", n)
		}
		if err := tx.InsertAdmin(ctx, Admin{Identity: seqIdentity(1)}); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("committed admin duplicate: got %v", err)
		}
		if err := tx.InsertAdmin(ctx, Admin{Identity: seqIdentity(2)}); err != nil {
			return err
		}
		if err := tx.InsertAdmin(ctx, Admin{Identity: seqIdentity(2)}); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("pending admin duplicate: got %v", err)
		}
		if n, _ := tx.CountAdmins(ctx); n != 2 {
			t.Fatalf("admins with pending insert: got %d want 2", n)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx: got %v want boom", err)
	}

	r, err := s.GetRequest(ctx, 2)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if r.Status != StatusPending || r.Notes != "seed" {
		t.Fatalf("aborted update leaked: %+v", r)
	}
	if _, err := s.GetRequest(ctx, 4); !errors.Is(err, ErrNotFound) {
		t.Fatalf("aborted insert leaked: %v", err)
	}
	if err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if n, _ := tx.CountAdmins(ctx); n != 1 {
			t.Fatalf("admins after abort: got %d want 1", n)
		}
		return nil
	}); err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}
