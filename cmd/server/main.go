// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mileskamau/mpesa-backend/config"
	"github.com/Mileskamau/mpesa-backend/internal/events"
	"github.com/Mileskamau/mpesa-backend/internal/handler"
	"github.com/Mileskamau/mpesa-backend/internal/provider"
	"github.com/Mileskamau/mpesa-backend/internal/provider/cardwallet"
	"github.com/Mileskamau/mpesa-backend/internal/provider/mpesa"
	"github.com/Mileskamau/mpesa-backend/internal/repository"
	"github.com/Mileskamau/mpesa-backend/internal/router"
	"github.com/Mileskamau/mpesa-backend/internal/usecase"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	// Load configuration
	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	logger = newLogger(logger, cfg.Server.LogLevel)
	defer logger.Sync()

	logger.Info("starting payment reconciliation service",
		zap.String("environment", cfg.Server.Env),
		zap.String("port", cfg.Server.Port),
		zap.String("store", cfg.Store))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open transaction store", zap.Error(err))
	}
	defer closeStore()

	// Providers
	breakerCfg := provider.BreakerConfig{
		MaxRequests:      cfg.Breaker.MaxRequests,
		Interval:         cfg.Breaker.Interval,
		Timeout:          cfg.Breaker.Timeout,
		FailureThreshold: cfg.Breaker.FailureThreshold,
	}
	registry := provider.NewRegistry()

	var mpesaAdapter provider.Adapter
	if cfg.Mpesa.Enabled() {
		mpesaAdapter = provider.WithBreaker(mpesa.NewMpesaProvider(mpesa.Config{
			Environment:     cfg.Mpesa.Environment,
			BaseURL:         cfg.Mpesa.BaseURL,
			ConsumerKey:     cfg.Mpesa.ConsumerKey,
			ConsumerSecret:  cfg.Mpesa.ConsumerSecret,
			ShortCode:       cfg.Mpesa.ShortCode,
			Passkey:         cfg.Mpesa.Passkey,
			TransactionType: cfg.Mpesa.TransactionType,
			Timeout:         cfg.Mpesa.Timeout,
		}, logger), breakerCfg, logger)
	}
	registry.Register(mpesa.FieldMap(), mpesaAdapter)

	var cardAdapter provider.Adapter
	if cfg.CardWallet.Enabled() {
		cardAdapter = provider.WithBreaker(cardwallet.NewClient(cardwallet.Config{
			Environment:  cfg.CardWallet.Environment,
			BaseURL:      cfg.CardWallet.BaseURL,
			ClientID:     cfg.CardWallet.ClientID,
			ClientSecret: cfg.CardWallet.ClientSecret,
			ReturnURL:    cfg.CardWallet.ReturnURL,
			CancelURL:    cfg.CardWallet.CancelURL,
			BrandName:    cfg.CardWallet.BrandName,
			Timeout:      cfg.CardWallet.Timeout,
		}, logger), breakerCfg, logger)
	}
	registry.Register(cardwallet.FieldMap(), cardAdapter)

	// Status events
	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.StatusTopic, logger)
		logger.Info("publishing status changes to kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.StatusTopic))
	}
	defer publisher.Close()

	// Usecases
	var orphans *usecase.OrphanBuffer
	if cfg.Reconcile.OrphanGrace > 0 {
		orphans = usecase.NewOrphanBuffer(cfg.Reconcile.OrphanGrace, cfg.Reconcile.OrphanCapacity)
	}
	engine := usecase.NewReconcileUsecase(
		store,
		registry,
		usecase.NewZapObserver(logger),
		publisher,
		orphans,
		usecase.ReconcileConfig{
			ActivePull:  cfg.Reconcile.ActivePull,
			PullTimeout: cfg.Reconcile.PullTimeout,
		},
		logger,
	)
	paymentUC := usecase.NewPaymentUsecase(registry, engine, cfg.BaseCallbackURL, logger)

	go engine.RunOrphanJanitor(ctx, cfg.Reconcile.OrphanGrace/2)

	// Handlers and routes
	paymentHandler := handler.NewPaymentHandler(paymentUC, engine, logger)
	callbackHandler := handler.NewCallbackHandler(engine, logger)
	r := router.SetupRoutes(paymentHandler, callbackHandler, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func newLogger(fallback *zap.Logger, level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		fallback.Warn("invalid LOG_LEVEL, keeping info", zap.String("level", level))
		return fallback
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		fallback.Warn("failed to rebuild logger", zap.Error(err))
		return fallback
	}
	return logger
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.TransactionStore, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		dbPool, err := pgxpool.New(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := dbPool.Ping(ctx); err != nil {
			dbPool.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}
		logger.Info("connected to database", zap.String("database", cfg.Database.DBName))
		return repository.NewPostgresStore(dbPool), dbPool.Close, nil

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr()))
		return repository.NewRedisStore(client, logger), func() { client.Close() }, nil
	}

	logger.Warn("using in-memory transaction store; records are lost on restart")
	return repository.NewMemoryStore(), func() {}, nil
}
