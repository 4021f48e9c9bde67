// Package sqs bridges the ingestion SQS queue into the job queue: every
// normalized sensor reading published by the ingest tier becomes an
// evaluate-reading job.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/jobs"
	"github.com/lalithlochan/freshtrack/internal/metrics"
	"github.com/lalithlochan/freshtrack/internal/queue"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string

	// Long poll wait, default 20s (the SQS maximum).
	WaitTimeSeconds   int32
	VisibilityTimeout int32
	MaxMessages       int32
}

func (c Config) withDefaults() Config {
	if c.WaitTimeSeconds <= 0 || c.WaitTimeSeconds > 20 {
		c.WaitTimeSeconds = 20
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 60
	}
	if c.MaxMessages <= 0 || c.MaxMessages > 10 {
		c.MaxMessages = 10
	}
	return c
}

// API is the part of the SQS client the consumer uses.
type API interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Enqueuer submits jobs. *queue.Service implements it.
type Enqueuer interface {
	AddJob(ctx context.Context, q queue.QueueName, name queue.JobName, data queue.JobData, opts ...queue.JobOption) (queue.AddResult, error)
}

var errMalformed = errors.New("malformed reading message")

// ReadingsConsumer long-polls the readings queue. A message is deleted only
// once its job is in the queue store, so an enqueue failure leaves it for
// SQS to redeliver after the visibility timeout.
type ReadingsConsumer struct {
	client   API
	cfg      Config
	enqueuer Enqueuer
	logger   *zap.Logger

	errorBackoff time.Duration
}

func NewReadingsConsumer(ctx context.Context, cfg Config, enqueuer Enqueuer, logger *zap.Logger) (*ReadingsConsumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs readings consumer initialized", zap.String("queue_url", cfg.QueueURL))
	return NewReadingsConsumerWithClient(sqs.NewFromConfig(awsCfg), cfg, enqueuer, logger), nil
}

func NewReadingsConsumerWithClient(client API, cfg Config, enqueuer Enqueuer, logger *zap.Logger) *ReadingsConsumer {
	return &ReadingsConsumer{
		client:       client,
		cfg:          cfg.withDefaults(),
		enqueuer:     enqueuer,
		logger:       logger,
		errorBackoff: 5 * time.Second,
	}
}

// Run polls until ctx is cancelled.
func (c *ReadingsConsumer) Run(ctx context.Context) error {
	for {
		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("sqs receive failed", zap.Error(err), zap.Duration("backoff", c.errorBackoff))

			t := time.NewTimer(c.errorBackoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Poll receives one batch and handles every message in it. It returns how
// many messages were received.
func (c *ReadingsConsumer) Poll(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages: c.cfg.MaxMessages,
		WaitTimeSeconds:     c.cfg.WaitTimeSeconds,
		VisibilityTimeout:   c.cfg.VisibilityTimeout,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}

	metrics.SetSQSMessagesInFlight(len(out.Messages))
	defer metrics.SetSQSMessagesInFlight(0)

	for _, msg := range out.Messages {
		c.handle(ctx, msg)
	}
	return len(out.Messages), nil
}

func (c *ReadingsConsumer) handle(ctx context.Context, msg types.Message) {
	msgID := aws.ToString(msg.MessageId)
	log := c.logger.With(zap.String("message_id", msgID))

	job, err := decodeReading(aws.ToString(msg.Body))
	if err != nil {
		// Redelivery cannot fix the body.
		log.Error("dropping malformed reading message", zap.Error(err))
		metrics.RecordSQSMessage("malformed")
		c.delete(ctx, msg, log)
		return
	}

	res, err := c.enqueuer.AddJob(ctx, jobs.QueueSensorReadings, queue.JobName(jobs.ReadingEvaluate), job,
		queue.WithJobID("sqs:"+msgID))
	if err != nil {
		log.Warn("enqueue failed, leaving message for redelivery", zap.Error(err))
		metrics.RecordSQSMessage("enqueue_failed")
		return
	}
	if res.Disabled {
		log.Warn("job queue disabled, leaving message for redelivery")
		metrics.RecordSQSMessage("deferred")
		return
	}

	metrics.RecordSQSMessage("enqueued")
	log.Debug("reading enqueued",
		zap.String("job_id", res.JobID),
		zap.Bool("duplicate", res.Duplicate),
		zap.String("unit_id", job.UnitID.String()),
	)
	c.delete(ctx, msg, log)
}

func (c *ReadingsConsumer) delete(ctx context.Context, msg types.Message, log *zap.Logger) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		// The job id is derived from the message id, so a redelivery is
		// deduplicated by the queue store.
		log.Warn("sqs delete failed", zap.Error(err))
	}
}

func decodeReading(body string) (jobs.ReadingJob, error) {
	var job jobs.ReadingJob
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return job, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if job.OrganizationID == uuid.Nil || job.UnitID == uuid.Nil {
		return job, fmt.Errorf("%w: organizationId and unitId are required", errMalformed)
	}
	if job.RecordedAt.IsZero() {
		job.RecordedAt = time.Now().UTC()
	}
	return job, nil
}
