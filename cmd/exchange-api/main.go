package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/diyama/exchange-desk/internal/exchange"
	exchangepg "github.com/diyama/exchange-desk/internal/exchange/postgres"
	"github.com/diyama/exchange-desk/internal/httpapi"
	"github.com/diyama/exchange-desk/internal/queue"
	"github.com/diyama/exchange-desk/internal/secrets"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	storeMemory   = "memory"
	storePostgres = "postgres"

	queueNone = "none"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8090", "HTTP listen address")

		storeDriver       = flag.String("store", storePostgres, "request store (postgres|memory)")
		postgresDSN       = flag.String("postgres-dsn", "", "Postgres DSN")
		postgresDSNSecret = flag.String("postgres-dsn-secret", "", "secret reference holding the Postgres DSN (name or name#field)")
		secretsDriver     = flag.String("secrets-driver", secrets.DriverEnv, "secrets provider for --postgres-dsn-secret (env|aws)")

		queueDriver  = flag.String("queue-driver", queueNone, "lifecycle event sink (kafka|stdio|none)")
		queueBrokers = flag.String("queue-brokers", "", "kafka brokers (comma-separated)")
		eventTopic   = flag.String("event-topic", exchange.DefaultEventTopic, "queue topic for lifecycle events")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	*storeDriver = strings.ToLower(strings.TrimSpace(*storeDriver))
	*queueDriver = strings.ToLower(strings.TrimSpace(*queueDriver))

	switch *storeDriver {
	case storeMemory:
	case storePostgres:
		if (*postgresDSN == "") == (*postgresDSNSecret == "") {
			fmt.Fprintln(os.Stderr, "error: --store=postgres requires exactly one of --postgres-dsn or --postgres-dsn-secret")
			os.Exit(2)
		}
	default:
		fmt.Fprintln(os.Stderr, "error: --store must be postgres or memory")
		os.Exit(2)
	}
	switch *queueDriver {
	case queueNone, queue.DriverStdio:
	case queue.DriverKafka:
		if len(queue.SplitCommaList(*queueBrokers)) == 0 {
			fmt.Fprintln(os.Stderr, "error: --queue-driver=kafka requires --queue-brokers")
			os.Exit(2)
		}
	default:
		fmt.Fprintln(os.Stderr, "error: --queue-driver must be kafka, stdio, or none")
		os.Exit(2)
	}
	if strings.TrimSpace(*eventTopic) == "" {
		fmt.Fprintln(os.Stderr, "error: --event-topic must be non-empty")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store exchange.Store
	switch *storeDriver {
	case storeMemory:
		log.Warn("using in-memory request store; data is lost on exit")
		store = exchange.NewMemoryStore()
	case storePostgres:
		dsn := *postgresDSN
		if dsn == "" {
			provider, err := secrets.New(ctx, *secretsDriver)
			if err != nil {
				log.Error("init secrets provider", "err", err)
				os.Exit(2)
			}
			dsn, err = secrets.Resolve(ctx, provider, *postgresDSNSecret)
			if err != nil {
				log.Error("resolve postgres dsn", "secret", *postgresDSNSecret, "err", err)
				os.Exit(2)
			}
		}

		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		pgStore, err := exchangepg.New(pool)
		if err != nil {
			log.Error("init exchange store", "err", err)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure exchange schema", "err", err)
			os.Exit(2)
		}
		store = pgStore
	}

	var events exchange.Publisher
	if *queueDriver != queueNone {
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:   *queueDriver,
			Brokers:  queue.SplitCommaList(*queueBrokers),
			ClientID: "exchange-api",
			Writer:   os.Stdout,
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer producer.Close()
		events = producer
		log.Info("lifecycle events enabled", "queueDriver", *queueDriver, "topic", *eventTopic)
	}

	svc, err := exchange.New(exchange.Config{
		EventTopic: *eventTopic,
		Now:        time.Now,
	}, store, events, log)
	if err != nil {
		log.Error("init exchange service", "err", err)
		os.Exit(2)
	}

	handler, err := httpapi.NewHandler(httpapi.Config{
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Now:                     time.Now,
	}, svc, log)
	if err != nil {
		log.Error("init exchange api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("exchange-api listening", "addr", *listenAddr, "store", *storeDriver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
