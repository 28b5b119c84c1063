package main

import (
	"SettlementLedger/internal/core"
	"SettlementLedger/internal/ingestion"
	"SettlementLedger/internal/observability"
	"SettlementLedger/internal/query"
	"SettlementLedger/internal/server"
	"SettlementLedger/internal/storage"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: settlementd starting...")

	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("FATAL: config: %v", err)
	}
	programID, relayer, _ := cfg.Identities()

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	logger := observability.NewLogger("settlementd")

	// --- Storage ---
	store, closeStore, err := openStore(ctx, cfg, healthChecker)
	if err != nil {
		log.Fatalf("FATAL: storage: %v", err)
	}
	defer closeStore()

	if cfg.DevFundLamports > 0 {
		funder, ok := store.(storage.Funder)
		if !ok || cfg.Storage != StorageMemory {
			log.Println("WARN: SETTLE_DEV_FUND_LAMPORTS ignored outside the memory backend")
		} else if err := funder.Fund(ctx, relayer, cfg.DevFundLamports); err != nil {
			log.Fatalf("FATAL: fund relayer: %v", err)
		} else {
			log.Printf("INFO: funded relayer %s with %d lamports", relayer, cfg.DevFundLamports)
		}
	}

	// --- Settlement core ---
	coreCfg := core.DefaultConfig()
	coreCfg.ProgramID = programID
	coreCfg.AuthorizedRelayer = relayer
	coreCfg.MaintainUserAggregates = cfg.MaintainUserAggregates
	coreCfg.RecordedCacheCapacity = cfg.IdempotencyLRUCapacity

	settlementCore, err := core.NewSettlementCore(coreCfg, store, observability.NewLogger("core"), metrics)
	if err != nil {
		log.Fatalf("FATAL: settlement core: %v", err)
	}

	errChan := make(chan error, 10)
	running := 0

	// --- NATS (optional) ---
	var events chan ingestion.LedgerEvent
	var natsSubscriber *ingestion.NATSSubscriber
	if cfg.NATSURL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
		if err != nil {
			log.Fatalf("FATAL: nats connect: %v", err)
		}
		defer nc.Close()
		log.Println("INFO: NATS connected")

		healthChecker.AddProbe("nats", func(context.Context) error {
			if nc.Status() != nats.CONNECTED {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			log.Fatalf("FATAL: ensure NATS streams: %v", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			log.Fatalf("FATAL: ensure outbound stream: %v", err)
		}

		events = make(chan ingestion.LedgerEvent, cfg.EventChanSize)
		publisher := ingestion.NewOutboundPublisher(js, events, metrics)
		running++
		go func() {
			errChan <- publisher.Run(ctx)
		}()

		handler := ingestion.NewBatchHandler(settlementCore, events, observability.NewLogger("intake"), metrics)
		natsSubscriber = ingestion.NewNATSSubscriber(js, handler)
		if err := natsSubscriber.Subscribe(ctx); err != nil {
			log.Fatalf("FATAL: nats subscribe: %v", err)
		}
	} else {
		log.Println("WARN: SETTLE_NATS_URL not set, bus intake and ledger events disabled")
	}

	// --- gRPC + HTTP API ---
	srv, err := server.New(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Settler: settlementCore,
		Reader:  query.NewQueryService(store, programID),
		Events:  events,
		Health:  healthChecker,
		Logger:  observability.NewLogger("api"),
		Metrics: metrics,
	})
	if err != nil {
		log.Fatalf("FATAL: server: %v", err)
	}

	running += 2
	go func() {
		errChan <- srv.StartGRPC(ctx)
	}()
	go func() {
		errChan <- srv.StartHTTP(ctx)
	}()

	// Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Printf("INFO: Metrics server listening on %s/metrics", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	srv.SetServing(true)

	logger.Info().
		Str("program_id", programID.String()).
		Str("relayer", relayer.String()).
		Str("storage", cfg.Storage).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("settlementd ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
		running--
	}

	// --- Graceful shutdown ---
	// Stop intake first so nothing new commits, then stop the listeners.
	healthChecker.SetReady(false)
	srv.SetServing(false)
	if natsSubscriber != nil {
		natsSubscriber.Stop()
	}
	cancel()

	// Wait for the listeners and the publisher to drain.
	deadline := time.After(10 * time.Second)
	for ; running > 0; running-- {
		select {
		case err := <-errChan:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("WARN: shutdown: %v", err)
			}
		case <-deadline:
			log.Printf("WARN: shutdown timed out with %d goroutines still running", running)
			running = 0
		}
	}
	log.Println("INFO: settlementd shutdown complete")
}

// openStore builds the configured backend. The returned close func is always non-nil.
func openStore(ctx context.Context, cfg Config, health *observability.HealthChecker) (storage.Backend, func(), error) {
	if cfg.Storage == StorageMemory {
		log.Println("WARN: using in-memory storage, records are lost on restart")
		return storage.NewMemoryBackend(cfg.Rent), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("postgres ping: %w", err)
	}
	log.Println("INFO: Postgres connected")

	n, err := storage.NewMigrator(db, cfg.MigrationsDir).Up(ctx)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Printf("INFO: migrations applied (%d new)", n)

	pg := storage.NewPostgresBackend(db, cfg.Rent)
	health.AddProbe("postgres", pg.Ping)
	return pg, func() { db.Close() }, nil
}
