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

	"github.com/fjod/go_cinema/internal/account"
	"github.com/fjod/go_cinema/internal/cache"
	"github.com/fjod/go_cinema/internal/cart"
	"github.com/fjod/go_cinema/internal/catalog"
	"github.com/fjod/go_cinema/internal/checkout"
	"github.com/fjod/go_cinema/internal/config"
	"github.com/fjod/go_cinema/internal/consumer"
	commercegrpc "github.com/fjod/go_cinema/internal/grpc"
	h "github.com/fjod/go_cinema/internal/http"
	"github.com/fjod/go_cinema/internal/logger"
	"github.com/fjod/go_cinema/internal/order"
	"github.com/fjod/go_cinema/internal/outbox"
	"github.com/fjod/go_cinema/internal/payment"
	"github.com/fjod/go_cinema/internal/processor"
	"github.com/fjod/go_cinema/internal/repository"
	"github.com/fjod/go_cinema/internal/sweeper"
	"github.com/fjod/go_cinema/internal/token"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	log.Info("commerce server starting", "store", cfg.StoreDriver, "cart_store", cfg.CartStore, "processor", cfg.Processor)

	// Spans only feed trace ids into the logs; no exporter is configured.
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	cartRepo, closeCarts, err := openCartRepository(cfg, store, log)
	if err != nil {
		return err
	}
	defer closeCarts()

	var (
		cartCache cache.CartCache
		lease     sweeper.Lease
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		cartCache = cache.NewRedisCache(rdb, cfg.CartCacheTTL)
		host, _ := os.Hostname()
		lease = sweeper.NewRedisLease(rdb, fmt.Sprintf("%s-%d", host, os.Getpid()))
		log.Info("redis enabled", "addr", cfg.RedisAddr)
	}

	cat, err := catalog.NewSQLiteCatalog(cfg.CatalogDBPath)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()
	if err := cat.RunMigrations(cfg.CatalogMigrationsPath); err != nil {
		return fmt.Errorf("catalog migrations: %w", err)
	}

	proc, parser, err := newProcessor(cfg, log)
	if err != nil {
		return err
	}

	// services
	carts := cart.NewService(cartRepo, store, cat, cartCache, log)
	orders := order.NewService(store, log)
	payments := payment.NewReconciler(store, orders, proc, log)
	coordinator := checkout.NewCoordinator(carts, orders, payments, log,
		checkout.WithMaxAttempts(cfg.CheckoutMaxAttempts),
		checkout.WithBaseDelay(cfg.CheckoutBaseDelay))
	tokens := token.NewManager(store, token.Config{
		ActivationTTL:    cfg.ActivationTTL,
		PasswordResetTTL: cfg.PasswordResetTTL,
		RefreshTTL:       cfg.RefreshTTL,
		MaxActiveRefresh: cfg.MaxActiveRefresh,
	}, log)
	accounts := account.NewService(store, tokens, log)

	dispatcher := payment.NewDispatcher(payments, cfg.DispatchWorkers, log)
	dispatcher.Start()
	defer dispatcher.Stop()

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	var bg sync.WaitGroup

	sw := sweeper.New(store, sweeper.Config{Interval: cfg.SweepInterval, Grace: cfg.SweepGrace}, lease, log)
	sw.Start(bgCtx)
	defer sw.Stop()

	if len(cfg.KafkaBrokers) > 0 {
		writer := outbox.NewKafkaWriter(cfg.KafkaBrokers...)
		defer writer.Close()
		poller := outbox.NewPoller(store, writer, cfg.OutboxInterval, log)

		reader := consumer.NewKafkaReader(cfg.KafkaBrokers...)
		cons := consumer.NewConsumer(reader, dispatcher, parser, log)
		defer cons.Close()

		bg.Add(2)
		go func() { defer bg.Done(); poller.Run(bgCtx) }()
		go func() { defer bg.Done(); cons.Run(bgCtx) }()
		log.Info("kafka enabled", "brokers", cfg.KafkaBrokers)
	} else {
		log.Warn("KAFKA_BROKERS not set, outbox events stay unpublished")
	}

	// transports
	router := h.NewRouter(h.Handlers{
		Cart:     h.NewCartHandler(carts, log, cfg.RequestTimeout),
		Checkout: h.NewCheckoutHandler(coordinator, log, cfg.RequestTimeout),
		Orders:   h.NewOrdersHandler(orders, payments, log, cfg.RequestTimeout),
		Webhook:  h.NewWebhookHandler(parser, dispatcher, log, cfg.RequestTimeout),
		Accounts: h.NewAccountHandler(accounts, log, cfg.RequestTimeout),
		Health:   store,
	}, log, cfg.RequestTimeout)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      otelhttp.NewHandler(router, "commerce-http"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grpcServer := commercegrpc.NewServer(store, log)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	bg.Add(1)
	go func() { defer bg.Done(); grpcServer.WatchHealth(bgCtx, 10*time.Second) }()

	errCh := make(chan error, 2)
	go func() {
		log.Info("http server listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var serveErr error
	select {
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	case serveErr = <-errCh:
		log.Error("server failed, shutting down", "error", serveErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("http server forced to shutdown", "error", err)
	}
	grpcServer.GracefulStop()

	cancelBg()
	bg.Wait()
	log.Info("server exited")
	return serveErr
}

// storeCloser is what main needs from either store implementation.
type storeCloser interface {
	repository.Store
	repository.CartRepository
}

func openStore(cfg *config.Config, log *slog.Logger) (storeCloser, error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("using in-memory store, state is lost on restart")
		return repository.NewMemoryStore(), nil
	}

	creds := &repository.Credentials{
		Host:              cfg.DB.Host,
		Port:              cfg.DB.Port,
		User:              cfg.DB.User,
		Password:          cfg.DB.Password,
		DBName:            cfg.DB.Name,
		MigrationsDirPath: cfg.DB.MigrationsPath,
	}
	store, err := repository.NewPostgresStore(creds)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := store.RunMigrations(creds); err != nil {
		store.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info("database migrations completed")
	return store, nil
}

func openCartRepository(cfg *config.Config, store storeCloser, log *slog.Logger) (repository.CartRepository, func(), error) {
	switch cfg.CartStore {
	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		db, err := repository.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			return nil, nil, err
		}
		repo := repository.NewMongoCartRepository(db)
		if err := repo.CreateIndexes(ctx); err != nil {
			_ = db.Client().Disconnect(context.Background())
			return nil, nil, err
		}
		log.Info("carts stored in mongodb", "db", cfg.MongoDBName)
		return repo, func() { _ = db.Client().Disconnect(context.Background()) }, nil
	case "memory":
		if _, ok := store.(*repository.MemoryStore); !ok {
			return repository.NewMemoryStore(), func() {}, nil
		}
	}
	return store, func() {}, nil
}

func newProcessor(cfg *config.Config, log *slog.Logger) (processor.Processor, processor.WebhookParser, error) {
	switch cfg.Processor {
	case "stripe":
		stripe := processor.NewStripe(cfg.StripeSecretKey, cfg.Domain, nil)
		return processor.NewBreaker(stripe, processor.BreakerSettings{}, log),
			processor.NewStripeWebhook(cfg.StripeWebhookSecret), nil
	case "fake":
		log.Warn("using fake payment processor")
		return processor.NewBreaker(processor.NewFake(), processor.BreakerSettings{}, log), processor.FakeWebhook{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown processor %q", cfg.Processor)
	}
}
