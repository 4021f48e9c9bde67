package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/alerts"
	"github.com/lalithlochan/freshtrack/internal/gaps"
	"github.com/lalithlochan/freshtrack/internal/jobs"
	"github.com/lalithlochan/freshtrack/internal/metrics"
	"github.com/lalithlochan/freshtrack/internal/notify"
	"github.com/lalithlochan/freshtrack/internal/queue"
	"github.com/lalithlochan/freshtrack/internal/redis"
)

// ReadingEvaluator is satisfied by *alerts.Evaluator.
type ReadingEvaluator interface {
	Evaluate(ctx context.Context, r alerts.Reading) (alerts.Outcome, error)
}

// ReadingProcessor consumes the sensor-readings queue.
type ReadingProcessor struct {
	evaluator ReadingEvaluator
	logger    *zap.Logger
}

func NewReadingProcessor(evaluator ReadingEvaluator, logger *zap.Logger) *ReadingProcessor {
	return &ReadingProcessor{evaluator: evaluator, logger: logger}
}

func (p *ReadingProcessor) Process(ctx context.Context, job *queue.Job) error {
	kind, err := jobs.ParseReadingKind(job.Name)
	if err != nil {
		return queue.Unrecoverable(err)
	}

	switch kind {
	case jobs.ReadingEvaluate:
		data, err := jobs.Decode[jobs.ReadingJob](job)
		if err != nil {
			return queue.Unrecoverable(err)
		}

		out, err := p.evaluator.Evaluate(ctx, data.Reading())
		if errors.Is(err, alerts.ErrInvalidRequest) {
			return queue.Unrecoverable(err)
		}
		if err != nil {
			return err
		}

		p.logger.Debug("reading evaluated",
			zap.String("job_id", job.ID),
			zap.String("unit_id", data.UnitID.String()),
			zap.Int("created", len(out.Created)),
			zap.Int("continued", len(out.Continued)),
			zap.Int("resolved", len(out.Resolved)),
			zap.Bool("skipped", out.Skipped),
		)
		return nil
	}
	return queue.Unrecoverable(fmt.Errorf("unhandled reading job %q", job.Name))
}

// GapHandler is satisfied by *gaps.Detector.
type GapHandler interface {
	Handle(ctx context.Context, ev gaps.StateChangeEvent) (bool, error)
}

// GapProcessor consumes the monitoring-gaps queue.
type GapProcessor struct {
	detector GapHandler
	logger   *zap.Logger
}

func NewGapProcessor(detector GapHandler, logger *zap.Logger) *GapProcessor {
	return &GapProcessor{detector: detector, logger: logger}
}

func (p *GapProcessor) Process(ctx context.Context, job *queue.Job) error {
	kind, err := jobs.ParseGapKind(job.Name)
	if err != nil {
		return queue.Unrecoverable(err)
	}

	switch kind {
	case jobs.GapUnitStateChanged, jobs.GapManualLogMissed:
		data, err := jobs.Decode[jobs.UnitEventJob](job)
		if err != nil {
			return queue.Unrecoverable(err)
		}

		recorded, err := p.detector.Handle(ctx, data.StateChange())
		if errors.Is(err, gaps.ErrInvalidEvent) {
			return queue.Unrecoverable(err)
		}
		if err != nil {
			return err
		}

		p.logger.Debug("unit event processed",
			zap.String("job_id", job.ID),
			zap.String("event_id", data.EventID.String()),
			zap.Bool("gap_recorded", recorded),
		)
		return nil
	}
	return queue.Unrecoverable(fmt.Errorf("unhandled gap job %q", job.Name))
}

// DeliveryGuard is satisfied by *redis.IdempotencyService.
type DeliveryGuard interface {
	CheckOrReserve(ctx context.Context, orgID, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, orgID, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, orgID, key string) error
}

// Limiter is satisfied by *redis.RateLimiter.
type Limiter interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// NotificationDeps wires a NotificationProcessor. Only Sender is required.
type NotificationDeps struct {
	Sender     Sender
	Guard      DeliveryGuard
	SMSLimiter Limiter
	Recorder   notify.DeliveryRecorder
}

// NotificationProcessor consumes the three notification queues. A delivery
// is sent at most once per idempotency key while its stored result lives;
// every attempt leaves a delivery record.
type NotificationProcessor struct {
	deps   NotificationDeps
	logger *zap.Logger
}

func NewNotificationProcessor(deps NotificationDeps, logger *zap.Logger) *NotificationProcessor {
	return &NotificationProcessor{deps: deps, logger: logger}
}

func (p *NotificationProcessor) Process(ctx context.Context, job *queue.Job) error {
	kind, err := jobs.ParseNotificationKind(job.Name)
	if err != nil {
		return queue.Unrecoverable(err)
	}

	switch kind {
	case jobs.NotificationAlertTriggered, jobs.NotificationAlertAcknowledged, jobs.NotificationAlertResolved:
		return p.deliver(ctx, job, kind)
	}
	return queue.Unrecoverable(fmt.Errorf("unhandled notification job %q", job.Name))
}

func (p *NotificationProcessor) deliver(ctx context.Context, job *queue.Job, kind jobs.NotificationKind) error {
	data, err := jobs.Decode[notify.NotificationJob](job)
	if err != nil {
		return queue.Unrecoverable(err)
	}
	if want, ok := jobs.NotificationKindFor(data.Event); !ok || want != kind {
		return queue.Unrecoverable(fmt.Errorf("job %s carries event %q", kind, data.Event))
	}

	d := &notify.Delivery{
		JobID:       job.ID,
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		Kind:        kind,
		Job:         data,
	}
	org := data.OrganizationID.String()
	key := data.DedupKey()
	log := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("organization_id", org),
		zap.String("alert_id", data.AlertID.String()),
		zap.String("channel", string(data.Channel)),
		zap.Int("attempt", job.Attempt),
	)

	if p.deps.Guard != nil {
		prior, err := p.deps.Guard.CheckOrReserve(ctx, org, key)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			// Another worker holds it. Come back once it finishes or its
			// reservation lapses, without spending an attempt.
			retryAfter := time.Duration(0)
			var held *redis.InProgressError
			if errors.As(err, &held) {
				retryAfter = held.RetryAfter
			}
			return queue.Postpone(fmt.Errorf("delivery %s: %w", key, err), retryAfter)
		case err != nil:
			return fmt.Errorf("idempotency check for %s: %w", key, err)
		case prior != nil:
			metrics.RecordIdempotencyHit()
			log.Info("delivery already sent, skipping", zap.String("original_job_id", prior.JobID))
			return nil
		}
	}

	if data.Channel == notify.ChannelSMS && p.deps.SMSLimiter != nil {
		res, err := p.deps.SMSLimiter.Allow(ctx, org)
		switch {
		case err != nil:
			log.Warn("sms rate limit check failed, sending anyway", zap.Error(err))
		case !res.Allowed:
			metrics.RecordRateLimitRejection("sms")
			log.Warn("sms rate limit reached, delivery skipped", zap.Time("reset_at", res.ResetAt))
			p.release(ctx, org, key, log)
			p.record(ctx, d, notify.OutcomeSkipped, nil, log)
			return nil
		}
	}

	start := time.Now()
	sendErr := p.deps.Sender.Send(ctx, d)
	metrics.RecordNotificationLatency(string(data.Channel), time.Since(start))

	if sendErr != nil {
		p.release(ctx, org, key, log)
		if _, postponed := queue.PostponedFor(sendErr); postponed {
			// Nothing reached the provider, so there is no attempt to record.
			return sendErr
		}
		outcome := notify.OutcomeFailed
		if d.Final() || queue.IsUnrecoverable(sendErr) {
			outcome = notify.OutcomeExhausted
		}
		p.record(ctx, d, outcome, sendErr, log)
		return sendErr
	}

	if p.deps.Guard != nil {
		result := &redis.IdempotencyResult{
			JobID:     job.ID,
			Channel:   string(data.Channel),
			CreatedAt: time.Now().Unix(),
		}
		// The message is out. Failing now would only send it again.
		if err := p.deps.Guard.Store(context.WithoutCancel(ctx), org, key, result, redis.DeliveryTTL); err != nil {
			log.Warn("could not store delivery result", zap.Error(err))
		}
	}
	p.record(ctx, d, notify.OutcomeSent, nil, log)
	return nil
}

func (p *NotificationProcessor) release(ctx context.Context, org, key string, log *zap.Logger) {
	if p.deps.Guard == nil {
		return
	}
	if err := p.deps.Guard.Release(context.WithoutCancel(ctx), org, key); err != nil {
		log.Warn("could not release delivery reservation", zap.Error(err))
	}
}

func (p *NotificationProcessor) record(ctx context.Context, d *notify.Delivery, outcome notify.Outcome, err error, log *zap.Logger) {
	metrics.RecordNotificationOutcome(string(d.Job.Channel), string(outcome))
	if p.deps.Recorder == nil {
		return
	}
	if rerr := p.deps.Recorder.RecordDelivery(context.WithoutCancel(ctx), notify.NewRecord(d, outcome, err)); rerr != nil {
		log.Warn("could not record delivery outcome", zap.String("outcome", string(outcome)), zap.Error(rerr))
	}
}
