package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"custodial-ledger/internal/config"
	"custodial-ledger/internal/domain"
	"custodial-ledger/internal/handler"
	"custodial-ledger/internal/repository"
	"custodial-ledger/internal/service"
	"custodial-ledger/internal/worker"
	"custodial-ledger/pkg/logger"
	"custodial-ledger/pkg/postgres"
	"custodial-ledger/pkg/rabbitmq"
	"custodial-ledger/pkg/redis"
)

func main() {
	cfg, envLoaded, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	zlog, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("Logger init failed: %v", err)
	}
	defer zlog.Sync()

	if envLoaded {
		zlog.Info(".env file loaded successfully")
	} else {
		zlog.Info("No .env file found, using defaults/environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Infrastructure

	var store domain.AccountStore
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		db, err := postgres.NewConnection(cfg.DatabaseURL)
		if err != nil {
			zlog.Fatal("Postgres init failed", zap.Error(err))
		}
		store = repository.NewAccountRepository(db, cfg.LockTimeout)
	case config.DriverMemory:
		zlog.Warn("Using in-memory account store, balances are lost on restart")
		store = repository.NewMemoryStore()
	}

	cache := repository.NewNoopCache()
	if cfg.RedisAddr != "" {
		rdb, err := redis.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			zlog.Fatal("Redis init failed", zap.Error(err))
		}
		defer rdb.Close()
		cache = repository.NewCacheRepository(rdb, cfg.CacheTTL)
	}

	events := repository.NewNoopProducer()
	var workerDone <-chan struct{}
	if cfg.RabbitURL != "" {
		mq, err := rabbitmq.NewConnection(cfg.RabbitURL, cfg.TransferQueue)
		if err != nil {
			zlog.Fatal("RabbitMQ init failed", zap.Error(err))
		}
		defer mq.Close()
		events = repository.NewEventProducer(mq)

		w := worker.NewWorker(mq, worker.LogNotifier{Log: zlog.Named("notify")}, zlog)
		if workerDone, err = w.Start(ctx); err != nil {
			zlog.Fatal("Worker init failed", zap.Error(err))
		}
	}

	// Services
	engine := service.NewTransferEngine(store, cache, events, zlog, cfg.TransferTimeout)
	query := service.NewAccountQueryService(store, cache, zlog)
	provisioning := service.NewProvisioningService(store, cache, zlog)

	// HTTP Handler & Server
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handler.NewHandler(engine, query, provisioning, zlog, cfg.IsDevelopment())
	router := handler.NewRouter(h, handler.RouterConfig{
		JWTSecret:       cfg.JWTSecret,
		ProvisioningKey: cfg.ProvisioningKey,
	}, zlog)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		zlog.Info("Server starting", zap.String("addr", cfg.HTTPAddr), zap.String("storage", cfg.StorageDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	<-ctx.Done()
	zlog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("Server forced to shutdown", zap.Error(err))
	}
	if workerDone != nil {
		select {
		case <-workerDone:
		case <-shutdownCtx.Done():
			zlog.Warn("Worker did not stop before shutdown timeout")
		}
	}

	zlog.Info("Server exited")
}
