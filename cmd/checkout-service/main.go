package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fjod/orderflow/internal/catalog"
	"github.com/fjod/orderflow/internal/checkout"
	"github.com/fjod/orderflow/internal/config"
	"github.com/fjod/orderflow/internal/delivery"
	"github.com/fjod/orderflow/internal/giftcard"
	h "github.com/fjod/orderflow/internal/http"
	"github.com/fjod/orderflow/internal/orders"
	"github.com/fjod/orderflow/internal/payment"
	"github.com/fjod/orderflow/internal/pricing"
	"github.com/fjod/orderflow/internal/publisher"
	"github.com/fjod/orderflow/internal/reconciliation"
	"github.com/fjod/orderflow/internal/redemption"
	"github.com/fjod/orderflow/internal/repository"
	"github.com/fjod/orderflow/internal/session"
	"github.com/fjod/orderflow/pkg/logger"
	"github.com/fjod/orderflow/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const serviceName = "checkout-service"

// backends holds the stores chosen at startup and how to release them.
type backends struct {
	orders   orders.Store
	outbox   repository.OutboxRepository
	ledger   giftcard.Ledger
	sessions session.Store
	recon    reconciliation.Store
	checks   map[string]func(context.Context) error
	closers  []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Component: serviceName}, os.Stdout)
	slog.SetDefault(log)
	log.Info("checkout-service starting", "simulators", cfg.UseSimulators, "in_memory_stores", cfg.InMemoryStores)

	if err := run(cfg, log); err != nil {
		log.Error("checkout-service stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("checkout-service stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var stores *backends
	var err error
	if cfg.InMemoryStores {
		stores = memoryBackends(log)
	} else {
		stores, err = externalBackends(startupCtx, cfg, log)
		if err != nil {
			return err
		}
	}
	defer stores.close()

	menu, err := catalog.NewRepository(cfg.CatalogDBPath)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer menu.Close()
	if err := menu.RunMigrations(cfg.CatalogMigrationsPath); err != nil {
		return fmt.Errorf("catalog migrations: %w", err)
	}

	var (
		dispatch   delivery.Client
		authorizer payment.Authorizer
	)
	if cfg.UseSimulators {
		dispatch = delivery.NewSimulator()
		authorizer = payment.NewSimulator(payment.AlwaysApprove{})
	} else {
		dispatch = delivery.NewHTTPClient(cfg.DeliveryAPIURL, cfg.DeliveryAPIKey, log)
		authorizer = payment.NewHTTPClient(cfg.PaymentAPIURL, cfg.PaymentAPIKey, log)
	}

	orch := checkout.NewOrchestrator(checkout.Deps{
		Sessions:       stores.sessions,
		Calculator:     pricing.NewCalculator(cfg.Pricing),
		Catalog:        menu,
		Delivery:       checkout.NewDeliveryHandler(dispatch, cfg.QuoteTimeout, m),
		Payment:        checkout.NewPaymentHandler(authorizer, cfg.PaymentTimeout, m),
		GiftCards:      checkout.NewGiftCardHandler(stores.ledger, cfg.LedgerTimeout, m),
		Committer:      orders.NewCommitter(stores.orders, cfg.CommitTimeout, log),
		Reconciliation: stores.recon,
		Metrics:        m,
		Logger:         log,
		CleanupTimeout: cfg.CleanupTimeout,
	})

	var wg sync.WaitGroup
	workersCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	if len(cfg.KafkaBrokers) > 0 && stores.outbox != nil {
		poller := publisher.NewOutboxPoller(stores.outbox, stores.recon, log, cfg.KafkaBrokers...)
		consumer := redemption.NewConsumer(stores.ledger, log, cfg.KafkaBrokers...)
		wg.Add(2)
		go func() {
			defer wg.Done()
			poller.Run(workersCtx)
		}()
		go func() {
			defer wg.Done()
			consumer.Run(workersCtx)
		}()
		defer poller.Close()
		defer consumer.Close()
		log.Info("outbox poller and redemption consumer started", "brokers", cfg.KafkaBrokers)
	}

	// gRPC health for orchestration probes
	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCHealthPort))
	if err != nil {
		return fmt.Errorf("listen health port: %w", err)
	}
	healthServer := health.NewServer()
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	wg.Add(1)
	go func() {
		defer wg.Done()
		watchReadiness(workersCtx, healthServer, stores.checks, log)
	}()
	go func() {
		log.Info("grpc health server listening", "port", cfg.GRPCHealthPort)
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("grpc health server error", "error", err)
		}
	}()

	router := h.NewRouter(h.RouterConfig{
		Checkout:       h.NewCheckoutHandler(orch, cfg.RequestTimeout),
		Metrics:        m,
		Gatherer:       reg,
		Logger:         log,
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      otelhttp.NewHandler(router, serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		log.Error("http server error", "error", err)
	}

	healthServer.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}
	grpcServer.GracefulStop()

	// redemptions started by completed checkouts finish before stores close
	orch.Wait()
	stopWorkers()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("background workers stopped cleanly")
	case <-ctx.Done():
		log.Warn("background workers did not stop in time")
	}
	return nil
}

func memoryBackends(log *slog.Logger) *backends {
	ledger := giftcard.NewMemoryLedger()
	ledger.SetBalance("DEMO-2500", 2500)
	log.Info("using in-memory stores; demo gift card DEMO-2500 issued")
	return &backends{
		orders:   orders.NewMemoryStore(),
		ledger:   ledger,
		sessions: session.NewMemoryStore(),
		recon:    reconciliation.NewMemoryStore(),
		checks:   map[string]func(context.Context) error{},
	}
}

func externalBackends(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backends, error) {
	b := &backends{checks: make(map[string]func(context.Context) error)}
	fail := func(err error) (*backends, error) {
		b.close()
		return nil, err
	}

	repo, err := repository.Open(ctx, repository.Options{
		DSN:            cfg.OrdersDSN(),
		MigrationsPath: cfg.MigrationsPath,
	})
	if err != nil {
		return fail(fmt.Errorf("orders database: %w", err))
	}
	b.closers = append(b.closers, func() { repo.Close() })
	log.Info("orders database ready", "migrations", cfg.MigrationsPath)
	b.orders = repo
	b.outbox = repo
	b.checks["postgres"] = repo.Ping

	dsn := cfg.GiftCardDatabaseURL
	if dsn == "" {
		dsn = cfg.OrdersDSN()
	}
	ledger, err := giftcard.NewPostgresLedger(ctx, dsn)
	if err != nil {
		return fail(fmt.Errorf("connect gift card ledger: %w", err))
	}
	b.closers = append(b.closers, ledger.Close)
	if err := ledger.EnsureSchema(ctx); err != nil {
		return fail(fmt.Errorf("gift card schema: %w", err))
	}
	b.ledger = ledger

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	b.closers = append(b.closers, func() { rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fail(fmt.Errorf("connect redis: %w", err))
	}
	b.sessions = session.NewRedisStore(rdb, cfg.SessionTTL, cfg.LockTTL())
	b.checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }

	if cfg.MongoURI == "" {
		log.Warn("MONGO_URI not set; reconciliation cases are kept in memory")
		b.recon = reconciliation.NewMemoryStore()
		return b, nil
	}
	db, err := reconciliation.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		return fail(err)
	}
	b.closers = append(b.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = db.Client().Disconnect(ctx)
	})
	store := reconciliation.NewMongoStore(db)
	if err := store.CreateIndexes(ctx); err != nil {
		return fail(fmt.Errorf("reconciliation indexes: %w", err))
	}
	b.recon = store
	b.checks["mongodb"] = func(ctx context.Context) error { return db.Client().Ping(ctx, nil) }
	return b, nil
}

// watchReadiness reports SERVING on the overall service only while every
// backing store answers its ping.
func watchReadiness(ctx context.Context, hs *health.Server, checks map[string]func(context.Context) error, log *slog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	serving := healthpb.HealthCheckResponse_UNKNOWN
	for {
		status := healthpb.HealthCheckResponse_SERVING
		for name, check := range checks {
			checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := check(checkCtx)
			cancel()
			if err != nil {
				status = healthpb.HealthCheckResponse_NOT_SERVING
				log.Warn("dependency not ready", "dependency", name, "error", err)
			}
		}
		if status != serving {
			hs.SetServingStatus("", status)
			hs.SetServingStatus(serviceName, status)
			serving = status
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
