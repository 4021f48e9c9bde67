package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port              int
	WorkerMetricsPort int
	LogLevel          string
	LogFile           string // optional rotating file sink, stdout only when empty
	Env               string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int

	// Redis config. An empty host disables the queue.
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Queue
	QueuePrefix           string
	QueueProducerTimeout  time.Duration
	WorkerGracePeriod     time.Duration
	WorkerDrainDelay      time.Duration
	ReadingConcurrency    int
	SMSConcurrency        int
	EmailConcurrency      int
	WebhookConcurrency    int
	GapConcurrency        int
	QueueHealthTimeout    time.Duration
	SQSReadingsQueueURL   string
	SQSRegion             string
	AuditTopicARN         string
	AuditTopicEndpointURL string // LocalStack and other SNS-compatible endpoints

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS)
	SNSSenderID  string

	// Webhook config
	WebhookTimeout       time.Duration
	WebhookSigningSecret string

	// Auth
	JWTSecret string

	// SMS throttling per organization
	SMSRateLimit  int
	SMSRateWindow time.Duration

	// API throttling per organization
	APIRateLimit  int
	APIRateWindow time.Duration
}

// QueueEnabled reports whether a Redis host is configured.
func (c *Config) QueueEnabled() bool {
	return c.RedisHost != ""
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first; variables already
// set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:              8080,
		WorkerMetricsPort: 9091,
		LogLevel:          "info",
		Env:               "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "freshtrack",
		DBName:     "freshtrack",
		DBSSLMode:  "disable",
		DBMaxConns: 25,

		RedisPort: 6379,

		QueuePrefix:          "freshtrack",
		QueueProducerTimeout: 2 * time.Second,
		WorkerGracePeriod:    30 * time.Second,
		WorkerDrainDelay:     5 * time.Second,
		QueueHealthTimeout:   2 * time.Second,

		AWSRegion:    "us-east-1",
		SESFromEmail: "alerts@freshtrack.local",

		WebhookTimeout: 10 * time.Second,

		SMSRateLimit:  10,
		SMSRateWindow: 15 * time.Minute,

		APIRateLimit:  100,
		APIRateWindow: time.Minute,
	}

	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("invalid %s: %q", key, v))
			return
		}
		*dst = n
	}
	dur := func(key string, unit time.Duration, dst *time.Duration) {
		var n int
		before := len(errs)
		num(key, &n)
		if len(errs) == before && os.Getenv(key) != "" {
			*dst = time.Duration(n) * unit
		}
	}

	num("PORT", &cfg.Port)
	num("WORKER_METRICS_PORT", &cfg.WorkerMetricsPort)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FILE", &cfg.LogFile)
	str("ENV", &cfg.Env)

	// Database config
	str("DB_HOST", &cfg.DBHost)
	num("DB_PORT", &cfg.DBPort)
	str("DB_USER", &cfg.DBUser)
	str("DB_PASSWORD", &cfg.DBPassword)
	str("DB_NAME", &cfg.DBName)
	str("DB_SSLMODE", &cfg.DBSSLMode)
	num("DB_MAX_CONNS", &cfg.DBMaxConns)

	// Redis config
	str("REDIS_HOST", &cfg.RedisHost)
	num("REDIS_PORT", &cfg.RedisPort)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	num("REDIS_DB", &cfg.RedisDB)

	str("QUEUE_PREFIX", &cfg.QueuePrefix)
	dur("QUEUE_PRODUCER_TIMEOUT_MS", time.Millisecond, &cfg.QueueProducerTimeout)
	dur("QUEUE_HEALTH_TIMEOUT_MS", time.Millisecond, &cfg.QueueHealthTimeout)
	dur("WORKER_GRACE_PERIOD_SEC", time.Second, &cfg.WorkerGracePeriod)
	dur("WORKER_DRAIN_DELAY_SEC", time.Second, &cfg.WorkerDrainDelay)
	num("READING_CONCURRENCY", &cfg.ReadingConcurrency)
	num("SMS_CONCURRENCY", &cfg.SMSConcurrency)
	num("EMAIL_CONCURRENCY", &cfg.EmailConcurrency)
	num("WEBHOOK_CONCURRENCY", &cfg.WebhookConcurrency)
	num("GAP_CONCURRENCY", &cfg.GapConcurrency)

	str("AWS_REGION", &cfg.AWSRegion)
	str("SES_FROM_EMAIL", &cfg.SESFromEmail)
	str("SNS_SENDER_ID", &cfg.SNSSenderID)

	// Regions fall back to AWS_REGION
	cfg.SQSRegion = cfg.AWSRegion
	str("SQS_REGION", &cfg.SQSRegion)
	cfg.SNSRegion = cfg.AWSRegion
	str("SNS_REGION", &cfg.SNSRegion)

	str("SQS_READINGS_QUEUE_URL", &cfg.SQSReadingsQueueURL)
	str("AUDIT_TOPIC_ARN", &cfg.AuditTopicARN)
	str("AUDIT_TOPIC_ENDPOINT_URL", &cfg.AuditTopicEndpointURL)

	// Webhook config
	dur("WEBHOOK_TIMEOUT", time.Second, &cfg.WebhookTimeout)
	str("WEBHOOK_SIGNING_SECRET", &cfg.WebhookSigningSecret)

	str("JWT_SECRET", &cfg.JWTSecret)

	num("SMS_RATE_LIMIT", &cfg.SMSRateLimit)
	dur("SMS_RATE_WINDOW_MIN", time.Minute, &cfg.SMSRateWindow)
	num("API_RATE_LIMIT", &cfg.APIRateLimit)
	dur("API_RATE_WINDOW_SEC", time.Second, &cfg.APIRateWindow)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.WorkerDrainDelay < time.Second {
		// BLPOP cannot block for less than a second.
		cfg.WorkerDrainDelay = time.Second
	}
	if cfg.Env == "production" && cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required in production")
	}

	return cfg, nil
}
