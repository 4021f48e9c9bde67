package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/alerts"
	"github.com/lalithlochan/freshtrack/internal/api"
	"github.com/lalithlochan/freshtrack/internal/app"
	"github.com/lalithlochan/freshtrack/internal/config"
	"github.com/lalithlochan/freshtrack/internal/db"
	"github.com/lalithlochan/freshtrack/internal/gaps"
	"github.com/lalithlochan/freshtrack/internal/jobs"
	"github.com/lalithlochan/freshtrack/internal/queue"
	"github.com/lalithlochan/freshtrack/internal/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := app.Logger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting freshtrack gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Bool("queue_enabled", cfg.QueueEnabled()),
	)

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is empty, tokens are signed with an empty key")
	}

	// Initialize database connection
	ctx := context.Background()
	database, err := db.New(ctx, app.DBConfig(cfg, 0), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	// Producer side of the queue. An unreachable store leaves it disabled
	// and the gateway keeps serving.
	registry, err := jobs.NewRegistry(app.Concurrency(cfg))
	if err != nil {
		return fmt.Errorf("failed to build queue registry: %w", err)
	}
	producer := app.Producer(ctx, cfg, registry, logger)
	defer producer.Shutdown()

	// API rate limiting gets its own fail-fast connection.
	var limiter api.Limiter
	if cfg.QueueEnabled() {
		limitCtx, cancel := context.WithTimeout(ctx, cfg.QueueProducerTimeout)
		redisClient, err := redis.New(limitCtx, app.RedisConfig(cfg), redis.PostureProducer, logger)
		cancel()
		if err != nil {
			logger.Warn("redis unavailable, api rate limiting disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
			limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.APIRateLimit,
				Window: cfg.APIRateWindow,
			}).WithPrefix("api")
		}
	}

	evaluator := alerts.NewEvaluator(
		db.NewAlertRepository(database, logger),
		db.NewRuleRepository(database, logger),
		app.LifecyclePublisher(ctx, cfg, db.NewPolicyRepository(database, logger), producer, logger),
		logger,
	)

	handler := api.NewHandler(logger, api.HandlerDeps{
		Alerts:  evaluator,
		Queue:   producer,
		Gaps:    gaps.NewDetector(db.NewGapRepository(database, logger), logger),
		Monitor: queue.NewMonitor(producer, cfg.QueueHealthTimeout, logger),
	})

	router := api.NewRouter(handler, api.RouterConfig{
		Auth:    api.NewAuth(cfg.JWTSecret),
		Limiter: limiter,
		Logger:  logger,
		Health: func(w http.ResponseWriter, r *http.Request) {
			if err := database.Health(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		},
	})

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
