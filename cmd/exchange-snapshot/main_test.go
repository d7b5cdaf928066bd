package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/diyama/exchange-desk/internal/blobstore"
	"github.com/diyama/exchange-desk/internal/exchange"
	"github.com/diyama/exchange-desk/internal/identity"
	"github.com/diyama/exchange-desk/internal/joblock"
	"github.com/shopspring/decimal"
)

func seedRequests(t *testing.T, n int) *exchange.MemoryStore {
	t.Helper()

	store := exchange.NewMemoryStore()
	svc, err := exchange.New(exchange.Config{}, store, nil, nil)
	if err != nil {
		t.Fatalf("exchange.New: %v", err)
	}
	owner, err := identity.FromToken("snapshot-user")
	if err != nil {
		t.Fatalf("FromToken: %v", err)
	}
	for i := 0; i < n; i++ {
		_, err := svc.CreateExchangeRequest(context.Background(), exchange.Call{Caller: owner}, exchange.CreateInput{
			WalletAddress: "0x52908400098527886E0F7030069857D2E4169EE7",
			PhoneNumber:   "+260971234567",
			FullName:      "Mwila Banda",
			SourceAmount:  decimal.NewFromInt(int64(i + 1)),
		})
		if err != nil {
			t.Fatalf("CreateExchangeRequest: %v", err)
		}
	}
	return store
}

func TestWriteSnapshot_PagesAndWritesBothKeys(t *testing.T) {
	t.Parallel()

	src := seedRequests(t, 5)
	dst, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	now := time.Unix(1_767_225_600, 0).UTC()

	res, err := writeSnapshot(context.Background(), src, dst, "snapshots", 2, now)
	if err != nil {
		t.Fatalf("writeSnapshot: %v", err)
	}
	if res.Count != 5 {
		t.Fatalf("count: got %d want 5", res.Count)
	}
	if strings.Join(res.Keys, ",") != "snapshots/1767225600.json,snapshots/latest.json" {
		t.Fatalf("keys: got %v", res.Keys)
	}

	obj, err := dst.Get(context.Background(), "snapshots/latest.json")
	if err != nil {
		t.Fatalf("Get latest: %v", err)
	}
	var doc snapshotDoc
	if err := json.Unmarshal(obj.Data, &doc); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if doc.Version != snapshotVersion || doc.Count != 5 || len(doc.Requests) != 5 {
		t.Fatalf("unexpected doc header: %+v", doc)
	}
	for i, r := range doc.Requests {
		if r.RequestID != uint64(i+1) {
			t.Fatalf("request %d: id %d", i, r.RequestID)
		}
	}
	if doc.Requests[0].DestAmount != "26.50" || doc.Requests[0].Status != "Pending" {
		t.Fatalf("first request: %+v", doc.Requests[0])
	}
	if obj.Metadata["request-count"] != "5" {
		t.Fatalf("metadata: %#v", obj.Metadata)
	}

	stamped, err := dst.Get(context.Background(), "snapshots/1767225600.json")
	if err != nil {
		t.Fatalf("Get stamped: %v", err)
	}
	if string(stamped.Data) != string(obj.Data) {
		t.Fatalf("stamped and latest snapshots differ")
	}
}

func TestWriteSnapshot_Empty(t *testing.T) {
	t.Parallel()

	dst, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	res, err := writeSnapshot(context.Background(), exchange.NewMemoryStore(), dst, "snap", 10, time.Unix(1, 0))
	if err != nil {
		t.Fatalf("writeSnapshot: %v", err)
	}
	if res.Count != 0 {
		t.Fatalf("count: got %d", res.Count)
	}
	obj, err := dst.Get(context.Background(), "snap/latest.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.Contains(string(obj.Data), `"requests":[]`) {
		t.Fatalf("expected empty requests array, got %s", obj.Data)
	}
}

type failingLister struct{}

func (failingLister) ListRequests(context.Context, exchange.ListFilter) ([]exchange.Request, error) {
	return nil, errors.New("db down")
}

func TestWriteSnapshot_SourceError(t *testing.T) {
	t.Parallel()

	dst, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	if _, err := writeSnapshot(context.Background(), failingLister{}, dst, "snap", 10, time.Unix(1, 0)); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := dst.Get(context.Background(), "snap/latest.json"); !errors.Is(err, blobstore.ErrNotFound) {
		t.Fatalf("expected nothing written, got %v", err)
	}
}

func TestLockedSnapshot_SkipsWhenLocked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := seedRequests(t, 1)
	dst, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	locks := joblock.NewMemoryStore(nil)
	if _, _, err := locks.Acquire(ctx, snapshotJob, "other-host:1", time.Hour); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	res, err := lockedSnapshot(ctx, locks, "me:2", time.Minute, src, dst, "snap", 10, time.Unix(1, 0))
	if err != nil {
		t.Fatalf("lockedSnapshot: %v", err)
	}
	if !res.Skipped {
		t.Fatalf("expected skipped result, got %+v", res)
	}
	if _, err := dst.Get(ctx, "snap/latest.json"); !errors.Is(err, blobstore.ErrNotFound) {
		t.Fatalf("expected nothing written, got %v", err)
	}

	if err := locks.Release(ctx, snapshotJob, "other-host:1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	res, err = lockedSnapshot(ctx, locks, "me:2", time.Minute, src, dst, "snap", 10, time.Unix(1, 0))
	if err != nil {
		t.Fatalf("lockedSnapshot #2: %v", err)
	}
	if res.Skipped || res.Count != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, held, err := locks.Acquire(ctx, snapshotJob, "third:3", time.Minute); err != nil || !held {
		t.Fatalf("lock not released after run: held=%v err=%v", held, err)
	}
}

func TestParseArgs(t *testing.T) {
	t.Parallel()

	cfg, err := parseArgs([]string{"--postgres-dsn", "postgres://x", "--blob-bucket", "b", "--key-prefix", "/snaps/"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if cfg.BlobDriver != blobstore.DriverS3 || cfg.KeyPrefix != "snaps" || cfg.PageSize != exchange.MaxListLimit {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}

	bad := [][]string{
		nil,
		{"--postgres-dsn", "a", "--postgres-dsn-secret", "b", "--blob-driver", "memory"},
		{"--postgres-dsn", "a"},
		{"--postgres-dsn", "a", "--blob-driver", "gcs"},
		{"--postgres-dsn", "a", "--blob-driver", "memory", "--page-size", "0"},
		{"--postgres-dsn", "a", "--blob-driver", "memory", "--key-prefix", "/"},
		{"--postgres-dsn", "a", "--blob-driver", "memory", "--timeout", "0s"},
	}
	for _, args := range bad {
		if _, err := parseArgs(args); err == nil {
			t.Fatalf("parseArgs(%v): expected error", args)
		}
	}
}
