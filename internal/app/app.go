// Package app holds the wiring shared by the gateway and worker binaries.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/alerts"
	"github.com/lalithlochan/freshtrack/internal/config"
	"github.com/lalithlochan/freshtrack/internal/db"
	"github.com/lalithlochan/freshtrack/internal/jobs"
	"github.com/lalithlochan/freshtrack/internal/notify"
	"github.com/lalithlochan/freshtrack/internal/observ"
	"github.com/lalithlochan/freshtrack/internal/queue"
	"github.com/lalithlochan/freshtrack/internal/redis"
	"github.com/lalithlochan/freshtrack/internal/sns"
)

// Logger builds the process logger from cfg.
func Logger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

// DBConfig maps the DB_* settings. maxConns overrides DB_MAX_CONNS when
// positive.
func DBConfig(cfg *config.Config, maxConns int) db.Config {
	if maxConns <= 0 {
		maxConns = cfg.DBMaxConns
	}
	return db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(maxConns),
	}
}

func RedisConfig(cfg *config.Config) redis.Config {
	return redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// Concurrency maps the *_CONCURRENCY settings. Zero keeps the default.
func Concurrency(cfg *config.Config) jobs.Concurrency {
	return jobs.Concurrency{
		Readings: cfg.ReadingConcurrency,
		SMS:      cfg.SMSConcurrency,
		Email:    cfg.EmailConcurrency,
		Webhook:  cfg.WebhookConcurrency,
		Gaps:     cfg.GapConcurrency,
	}
}

// Producer returns an initialized queue service. It is disabled, not failed,
// when Redis is unset or unreachable.
func Producer(ctx context.Context, cfg *config.Config, registry *queue.Registry, logger *zap.Logger) *queue.Service {
	svc := queue.NewService(registry,
		redis.QueueConnector(RedisConfig(cfg), cfg.QueuePrefix, logger),
		queue.ServiceConfig{Timeout: cfg.QueueProducerTimeout},
		logger,
	)
	svc.Initialize(ctx)
	return svc
}

// LifecyclePublisher fans alert events out to notification jobs and, when
// AUDIT_TOPIC_ARN is set, to the audit topic.
func LifecyclePublisher(ctx context.Context, cfg *config.Config, policies notify.PolicyStore, producer notify.Enqueuer, logger *zap.Logger) alerts.Publisher {
	pubs := alerts.MultiPublisher{notify.NewDispatcher(policies, producer, logger)}
	if cfg.AuditTopicARN == "" {
		return pubs
	}

	var (
		audit *sns.Publisher
		err   error
	)
	if cfg.AuditTopicEndpointURL != "" {
		audit, err = sns.NewPublisherWithEndpoint(ctx, cfg.AuditTopicARN, cfg.AuditTopicEndpointURL, cfg.SNSRegion, logger)
	} else {
		audit, err = sns.NewPublisher(ctx, cfg.AuditTopicARN, cfg.SNSRegion, logger)
	}
	if err != nil {
		logger.Warn("audit publisher unavailable, lifecycle events not audited", zap.Error(err))
		return pubs
	}
	logger.Info("auditing alert lifecycle events", zap.String("topic_arn", cfg.AuditTopicARN))
	return append(pubs, audit)
}
