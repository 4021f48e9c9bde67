package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/alerts"
	"github.com/lalithlochan/freshtrack/internal/app"
	"github.com/lalithlochan/freshtrack/internal/circuitbreaker"
	"github.com/lalithlochan/freshtrack/internal/config"
	"github.com/lalithlochan/freshtrack/internal/db"
	"github.com/lalithlochan/freshtrack/internal/gaps"
	"github.com/lalithlochan/freshtrack/internal/jobs"
	"github.com/lalithlochan/freshtrack/internal/metrics"
	"github.com/lalithlochan/freshtrack/internal/queue"
	"github.com/lalithlochan/freshtrack/internal/redis"
	"github.com/lalithlochan/freshtrack/internal/sqs"
	"github.com/lalithlochan/freshtrack/internal/worker"
)

var errNotificationsUnavailable = errors.New("queue store unreachable for notification fan-out")

// requireProducer fails boot when the notification producer runs disabled.
func requireProducer(p interface{ Enabled() bool }) error {
	if !p.Enabled() {
		return errNotificationsUnavailable
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := app.Logger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if !cfg.QueueEnabled() {
		return errors.New("REDIS_HOST is required for the worker")
	}

	registry, err := jobs.NewRegistry(app.Concurrency(cfg))
	if err != nil {
		return fmt.Errorf("failed to build queue registry: %w", err)
	}

	logger.Info("starting freshtrack worker",
		zap.String("env", cfg.Env),
		zap.Int("metrics_port", cfg.WorkerMetricsPort),
		zap.Int("queues", len(registry.Names())),
	)

	ctx := context.Background()

	// One connection per concurrent job plus headroom for the dispatcher.
	slots := 0
	for _, q := range registry.All() {
		slots += q.Concurrency
	}
	database, err := db.New(ctx, app.DBConfig(cfg, slots+5), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	// The consumer connection blocks on BLPOP and must not share a pool with
	// the fail-fast clients below. Failing to reach it is fatal here, unlike
	// in the gateway.
	consumer, err := redis.New(ctx, app.RedisConfig(cfg), redis.PostureConsumer, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to queue store: %w", err)
	}
	defer consumer.Close()

	side, err := redis.New(ctx, app.RedisConfig(cfg), redis.PostureProducer, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer side.Close()

	// Producer for notification fan-out from evaluations. A worker that
	// cannot enqueue would evaluate alerts and silently drop every
	// notification, so it refuses to start instead.
	producer := app.Producer(ctx, cfg, registry, logger)
	defer producer.Shutdown()
	if err := requireProducer(producer); err != nil {
		return err
	}

	evaluator := alerts.NewEvaluator(
		db.NewAlertRepository(database, logger),
		db.NewRuleRepository(database, logger),
		app.LifecyclePublisher(ctx, cfg, db.NewPolicyRepository(database, logger), producer, logger),
		logger,
	)
	detector := gaps.NewDetector(db.NewGapRepository(database, logger), logger)

	notifications := worker.NewNotificationProcessor(worker.NotificationDeps{
		Sender: buildSender(ctx, cfg, logger),
		Guard:  redis.NewIdempotencyService(side, logger),
		SMSLimiter: redis.NewRateLimiter(side, logger, redis.RateLimitConfig{
			Limit:  cfg.SMSRateLimit,
			Window: cfg.SMSRateWindow,
		}).WithPrefix("sms"),
		Recorder: db.NewDeliveryRepository(database, logger),
	}, logger)

	pool := worker.NewPool(redis.NewQueueStore(consumer, cfg.QueuePrefix, logger), registry, worker.PoolConfig{
		GracePeriod: cfg.WorkerGracePeriod,
		DrainDelay:  cfg.WorkerDrainDelay,
	}, logger)

	processors := map[queue.QueueName]worker.Processor{
		jobs.QueueSensorReadings:       worker.NewReadingProcessor(evaluator, logger),
		jobs.QueueMonitoringGaps:       worker.NewGapProcessor(detector, logger),
		jobs.QueueSMSNotifications:     notifications,
		jobs.QueueEmailNotifications:   notifications,
		jobs.QueueWebhookNotifications: notifications,
	}
	for name, proc := range processors {
		if err := pool.Register(name, proc); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}

	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	// Optional SQS bridge for readings.
	bridgeCtx, stopBridge := context.WithCancel(ctx)
	defer stopBridge()
	bridgeDone := make(chan struct{})
	if cfg.SQSReadingsQueueURL != "" {
		bridge, err := sqs.NewReadingsConsumer(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSReadingsQueueURL,
		}, producer, logger)
		if err != nil {
			logger.Warn("sqs readings bridge unavailable", zap.Error(err))
			close(bridgeDone)
		} else {
			go func() {
				defer close(bridgeDone)
				if err := bridge.Run(bridgeCtx); err != nil {
					logger.Error("sqs readings bridge stopped", zap.Error(err))
				}
			}()
		}
	} else {
		close(bridgeDone)
	}

	// Metrics and health for the orchestrator.
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := consumer.Ping(r.Context()); err != nil {
			http.Error(w, "queue store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WorkerMetricsPort),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("metrics server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	// Stop intake first so nothing new lands while the pool drains.
	stopBridge()
	<-bridgeDone

	if err := pool.Shutdown(context.Background()); err != nil {
		logger.Warn("worker pool did not drain in time", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		srv.Close()
	}

	logger.Info("worker stopped")
	return runErr
}

// buildSender wires every available channel behind its own circuit breaker.
// Outside production a log sender picks up channels with no provider.
func buildSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) worker.Sender {
	var senders []worker.Sender

	if ses, err := worker.NewSESSender(ctx, worker.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger); err != nil {
		logger.Warn("SES sender unavailable, email notifications disabled", zap.Error(err))
	} else {
		senders = append(senders, protect("ses", ses, logger))
	}

	if sms, err := worker.NewSNSSender(ctx, worker.SNSConfig{
		Region:   cfg.SNSRegion,
		SenderID: cfg.SNSSenderID,
	}, logger); err != nil {
		logger.Warn("SNS sender unavailable, SMS notifications disabled", zap.Error(err))
	} else {
		senders = append(senders, protect("sns", sms, logger))
	}

	if cfg.WebhookSigningSecret == "" {
		logger.Warn("WEBHOOK_SIGNING_SECRET is empty, webhook signatures use an empty key")
	}
	senders = append(senders, protect("webhook", worker.NewWebhookSender(logger, worker.WebhookConfig{
		Secret:  cfg.WebhookSigningSecret,
		Timeout: cfg.WebhookTimeout,
	}), logger))

	if cfg.Env != "production" {
		senders = append(senders, worker.NewLogSender(logger))
	}

	logger.Info("initialized multi-channel notification system", zap.Int("senders", len(senders)))
	return worker.NewMultiSender(logger, senders...)
}

// protect puts a breaker in front of s. Rejections that no retry can fix
// say nothing about the provider's health, so they do not trip it.
func protect(name string, s worker.Sender, logger *zap.Logger) worker.Sender {
	breakerCfg := circuitbreaker.DefaultConfig(name)
	breakerCfg.IsFailure = func(err error) bool {
		return err != nil && !queue.IsUnrecoverable(err) && !errors.Is(err, context.Canceled)
	}
	return circuitbreaker.NewProtectedSender(s, circuitbreaker.New(breakerCfg, logger), logger)
}
