package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/diyama/exchange-desk/internal/exchange"
	exchangepg "github.com/diyama/exchange-desk/internal/exchange/postgres"
	"github.com/diyama/exchange-desk/internal/queue"
	"github.com/diyama/exchange-desk/internal/secrets"
	"github.com/jackc/pgx/v5/pgxpool"
)

type requestLister interface {
	ListRequests(ctx context.Context, f exchange.ListFilter) ([]exchange.Request, error)
}

type replayOptions struct {
	Topic    string
	Status   exchange.Status
	AfterID  uint64
	PageSize int
	DryRun   bool
}

type replayResult struct {
	Published int    `json:"published"`
	LastID    uint64 `json:"lastId"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runMain(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("exchange-replay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	postgresDSN := fs.String("postgres-dsn", "", "Postgres DSN")
	postgresDSNSecret := fs.String("postgres-dsn-secret", "", "secret reference holding the Postgres DSN (name or name#field)")
	secretsDriver := fs.String("secrets-driver", secrets.DriverEnv, "secrets provider for --postgres-dsn-secret (env|aws)")
	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	topic := fs.String("topic", exchange.DefaultEventTopic, "destination topic")
	status := fs.String("status", "", "only replay requests in this status")
	after := fs.Uint64("after", 0, "only replay requests with id greater than this")
	pageSize := fs.Int("page-size", exchange.MaxListLimit, "requests read per query")
	dryRun := fs.Bool("dry-run", false, "count matching requests without publishing")
	timeout := fs.Duration("timeout", 5*time.Minute, "overall timeout")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*postgresDSN == "") == (*postgresDSNSecret == "") {
		return errors.New("exactly one of --postgres-dsn or --postgres-dsn-secret is required")
	}
	opts := replayOptions{
		Topic:    strings.TrimSpace(*topic),
		AfterID:  *after,
		PageSize: *pageSize,
		DryRun:   *dryRun,
	}
	if opts.Topic == "" {
		return errors.New("--topic must be non-empty")
	}
	if opts.PageSize <= 0 || opts.PageSize > exchange.MaxListLimit {
		return fmt.Errorf("--page-size must be in [1, %d]", exchange.MaxListLimit)
	}
	if strings.TrimSpace(*status) != "" {
		st, err := exchange.ParseStatus(*status)
		if err != nil {
			return fmt.Errorf("--status: %w", err)
		}
		opts.Status = st
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	dsn := *postgresDSN
	if dsn == "" {
		provider, err := secrets.New(ctx, *secretsDriver)
		if err != nil {
			return err
		}
		dsn, err = secrets.Resolve(ctx, provider, *postgresDSNSecret)
		if err != nil {
			return fmt.Errorf("resolve postgres dsn: %w", err)
		}
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("init pgx pool: %w", err)
	}
	defer pool.Close()

	src, err := exchangepg.New(pool)
	if err != nil {
		return err
	}

	// Status lines go to stderr so a stdio producer keeps stdout for events.
	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:   *queueDriver,
		Brokers:  queue.SplitCommaList(*queueBrokers),
		ClientID: "exchange-replay",
		Writer:   stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	res, err := replay(ctx, src, producer, opts, time.Now().UTC())
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stderr).Encode(res)
}

// replay publishes one state event per matching request in id order.
func replay(ctx context.Context, src requestLister, pub exchange.Publisher, opts replayOptions, now time.Time) (replayResult, error) {
	res := replayResult{LastID: opts.AfterID}
	for {
		page, err := src.ListRequests(ctx, exchange.ListFilter{
			Status:  opts.Status,
			AfterID: res.LastID,
			Limit:   opts.PageSize,
		})
		if err != nil {
			return res, fmt.Errorf("list requests after %d: %w", res.LastID, err)
		}
		for _, r := range page {
			if !opts.DryRun {
				payload, err := json.Marshal(exchange.StateEvent(r, now))
				if err != nil {
					return res, fmt.Errorf("marshal request %d: %w", r.ID, err)
				}
				if err := pub.Publish(ctx, opts.Topic, payload); err != nil {
					return res, fmt.Errorf("publish request %d: %w", r.ID, err)
				}
			}
			res.Published++
			res.LastID = r.ID
		}
		if len(page) < opts.PageSize {
			return res, nil
		}
	}
}
