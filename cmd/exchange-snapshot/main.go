package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/diyama/exchange-desk/internal/blobstore"
	"github.com/diyama/exchange-desk/internal/exchange"
	exchangepg "github.com/diyama/exchange-desk/internal/exchange/postgres"
	"github.com/diyama/exchange-desk/internal/joblock"
	joblockpg "github.com/diyama/exchange-desk/internal/joblock/postgres"
	"github.com/diyama/exchange-desk/internal/money"
	"github.com/diyama/exchange-desk/internal/secrets"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	snapshotVersion = "exchange.snapshot.v1"
	snapshotJob     = "exchange-snapshot"
)

type config struct {
	PostgresDSN       string
	PostgresDSNSecret string
	SecretsDriver     string

	BlobDriver string
	BlobBucket string
	BlobPrefix string
	KeyPrefix  string

	PageSize int
	Timeout  time.Duration
}

type snapshotDoc struct {
	Version        string            `json:"version"`
	GeneratedAt    time.Time         `json:"generatedAt"`
	SourceCurrency string            `json:"sourceCurrency"`
	DestCurrency   string            `json:"destCurrency"`
	Rate           string            `json:"rate"`
	Count          int               `json:"count"`
	Requests       []snapshotRequest `json:"requests"`
}

type snapshotRequest struct {
	RequestID     uint64    `json:"requestId"`
	Owner         string    `json:"owner"`
	WalletAddress string    `json:"walletAddress"`
	PhoneNumber   string    `json:"phoneNumber"`
	FullName      string    `json:"fullName"`
	SourceAmount  string    `json:"sourceAmount"`
	DestAmount    string    `json:"destAmount"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	Notes         string    `json:"notes"`
}

type resultDoc struct {
	Version string   `json:"version"`
	Skipped bool     `json:"skipped,omitempty"`
	Count   int      `json:"count"`
	Keys    []string `json:"keys"`
}

// requestLister is the read side of exchange.Store.
type requestLister interface {
	ListRequests(ctx context.Context, f exchange.ListFilter) ([]exchange.Request, error)
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := run(ctx, cfg, os.Stdout, log); err != nil {
		log.Error("exchange-snapshot failed", "err", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (config, error) {
	var cfg config

	fs := flag.NewFlagSet("exchange-snapshot", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", "", "Postgres DSN")
	fs.StringVar(&cfg.PostgresDSNSecret, "postgres-dsn-secret", "", "secret reference holding the Postgres DSN (name or name#field)")
	fs.StringVar(&cfg.SecretsDriver, "secrets-driver", secrets.DriverEnv, "secrets provider for --postgres-dsn-secret (env|aws)")
	fs.StringVar(&cfg.BlobDriver, "blob-driver", blobstore.DriverS3, "snapshot destination (s3|memory)")
	fs.StringVar(&cfg.BlobBucket, "blob-bucket", "", "S3 bucket for snapshots")
	fs.StringVar(&cfg.BlobPrefix, "blob-prefix", "", "bucket-level key prefix")
	fs.StringVar(&cfg.KeyPrefix, "key-prefix", "snapshots", "snapshot key prefix under the bucket prefix")
	fs.IntVar(&cfg.PageSize, "page-size", exchange.MaxListLimit, "requests read per query")
	fs.DurationVar(&cfg.Timeout, "timeout", 2*time.Minute, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if (cfg.PostgresDSN == "") == (cfg.PostgresDSNSecret == "") {
		return config{}, errors.New("exactly one of --postgres-dsn or --postgres-dsn-secret is required")
	}
	cfg.BlobDriver = strings.ToLower(strings.TrimSpace(cfg.BlobDriver))
	switch cfg.BlobDriver {
	case blobstore.DriverS3:
		if strings.TrimSpace(cfg.BlobBucket) == "" {
			return config{}, errors.New("--blob-driver=s3 requires --blob-bucket")
		}
	case blobstore.DriverMemory:
	default:
		return config{}, fmt.Errorf("unsupported --blob-driver %q", cfg.BlobDriver)
	}
	cfg.KeyPrefix = strings.Trim(strings.TrimSpace(cfg.KeyPrefix), "/")
	if cfg.KeyPrefix == "" {
		return config{}, errors.New("--key-prefix must be non-empty")
	}
	if cfg.PageSize <= 0 || cfg.PageSize > exchange.MaxListLimit {
		return config{}, fmt.Errorf("--page-size must be in [1, %d]", exchange.MaxListLimit)
	}
	if cfg.Timeout <= 0 {
		return config{}, errors.New("--timeout must be > 0")
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config, stdout io.Writer, log *slog.Logger) error {
	dsn := cfg.PostgresDSN
	if dsn == "" {
		provider, err := secrets.New(ctx, cfg.SecretsDriver)
		if err != nil {
			return err
		}
		dsn, err = secrets.Resolve(ctx, provider, cfg.PostgresDSNSecret)
		if err != nil {
			return fmt.Errorf("resolve postgres dsn: %w", err)
		}
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("init pgx pool: %w", err)
	}
	defer pool.Close()

	source, err := exchangepg.New(pool)
	if err != nil {
		return err
	}
	locks, err := joblockpg.New(pool)
	if err != nil {
		return err
	}
	if err := locks.EnsureSchema(ctx); err != nil {
		return err
	}

	dst, err := newBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	res, err := lockedSnapshot(ctx, locks, lockHolder(), cfg.Timeout, source, dst, cfg.KeyPrefix, cfg.PageSize, time.Now().UTC())
	if err != nil {
		return err
	}
	if res.Skipped {
		log.Info("snapshot skipped, another runner holds the lock", "job", snapshotJob)
	} else {
		log.Info("snapshot written", "count", res.Count, "keys", strings.Join(res.Keys, ","))
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func newBlobStore(ctx context.Context, cfg config) (blobstore.Store, error) {
	bcfg := blobstore.Config{
		Driver: cfg.BlobDriver,
		Bucket: strings.TrimSpace(cfg.BlobBucket),
		Prefix: strings.TrimSpace(cfg.BlobPrefix),
	}
	if bcfg.Driver == blobstore.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		bcfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	return blobstore.New(bcfg)
}

func lockHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}

// lockedSnapshot runs writeSnapshot under the snapshot job lock. A run that
// finds the lock held elsewhere reports Skipped and writes nothing.
func lockedSnapshot(ctx context.Context, locks joblock.Store, holder string, ttl time.Duration, src requestLister, dst blobstore.Store, keyPrefix string, pageSize int, now time.Time) (resultDoc, error) {
	var res resultDoc
	ran, err := joblock.Run(ctx, locks, snapshotJob, holder, ttl, func(ctx context.Context) error {
		var err error
		res, err = writeSnapshot(ctx, src, dst, keyPrefix, pageSize, now)
		return err
	})
	if err != nil {
		return resultDoc{}, err
	}
	if !ran {
		return resultDoc{Version: snapshotVersion, Skipped: true, Keys: []string{}}, nil
	}
	return res, nil
}

// writeSnapshot pages through every request in id order and stores the
// document under both a timestamped key and <prefix>/latest.json.
func writeSnapshot(ctx context.Context, src requestLister, dst blobstore.Store, keyPrefix string, pageSize int, now time.Time) (resultDoc, error) {
	doc := snapshotDoc{
		Version:        snapshotVersion,
		GeneratedAt:    now,
		SourceCurrency: money.SourceCurrency,
		DestCurrency:   money.DestCurrency,
		Rate:           money.RateKwachaPerUSDC,
		Requests:       []snapshotRequest{},
	}

	var after uint64
	for {
		page, err := src.ListRequests(ctx, exchange.ListFilter{AfterID: after, Limit: pageSize})
		if err != nil {
			return resultDoc{}, fmt.Errorf("list requests after %d: %w", after, err)
		}
		for _, r := range page {
			doc.Requests = append(doc.Requests, snapshotRequest{
				RequestID:     r.ID,
				Owner:         r.Owner.String(),
				WalletAddress: r.WalletAddress,
				PhoneNumber:   r.PhoneNumber,
				FullName:      r.FullName,
				SourceAmount:  money.Format(r.SourceAmount),
				DestAmount:    money.Format(r.DestAmount),
				Status:        r.Status.String(),
				CreatedAt:     r.CreatedAt.UTC(),
				Notes:         r.Notes,
			})
		}
		if len(page) < pageSize {
			break
		}
		after = page[len(page)-1].ID
	}
	doc.Count = len(doc.Requests)

	payload, err := json.Marshal(doc)
	if err != nil {
		return resultDoc{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	opts := blobstore.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"snapshot-version": snapshotVersion,
			"request-count":    strconv.Itoa(doc.Count),
		},
	}
	keys := []string{
		keyPrefix + "/" + strconv.FormatInt(now.Unix(), 10) + ".json",
		keyPrefix + "/latest.json",
	}
	for _, key := range keys {
		if err := dst.Put(ctx, key, payload, opts); err != nil {
			return resultDoc{}, fmt.Errorf("put %s: %w", key, err)
		}
	}

	return resultDoc{Version: snapshotVersion, Count: doc.Count, Keys: keys}, nil
}
