// Package worker is the consumer side of the job queue: a pool of fetch
// loops per queue, the channel senders and the processors that dispatch
// each queue's job names.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/metrics"
	"github.com/lalithlochan/freshtrack/internal/queue"
)

// Processor handles one job. Returning nil completes it; an error fails the
// attempt and the queue retries it per its backoff, unless the error is
// wrapped with queue.Unrecoverable. An error wrapped with queue.Postpone
// reschedules the job without counting the attempt.
type Processor interface {
	Process(ctx context.Context, job *queue.Job) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job *queue.Job) error

func (f ProcessorFunc) Process(ctx context.Context, job *queue.Job) error {
	return f(ctx, job)
}

var (
	// ErrShutdownTimeout means the grace period expired with jobs still
	// running. Their leases lapse and the stall sweep requeues them.
	ErrShutdownTimeout = errors.New("worker shutdown timed out with active jobs")

	ErrNoProcessors = errors.New("no processors registered")
)

const (
	finalizeTimeout = 5 * time.Second
	abandonWait     = 5 * time.Second
)

// PoolConfig tunes the pool.
type PoolConfig struct {
	// GracePeriod is how long Shutdown waits for active jobs.
	GracePeriod time.Duration

	// DrainDelay bounds each idle wait for new work.
	DrainDelay time.Duration

	// ErrorBackoff is the first pause after a store error; it doubles up to
	// MaxErrorBackoff while the store stays unreachable.
	ErrorBackoff    time.Duration
	MaxErrorBackoff time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.DrainDelay <= 0 {
		c.DrainDelay = 5 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Second
	}
	if c.MaxErrorBackoff <= 0 {
		c.MaxErrorBackoff = 30 * time.Second
	}
	return c
}

// Pool runs registered processors against their queues.
type Pool struct {
	store    queue.Store
	registry *queue.Registry
	cfg      PoolConfig
	logger   *zap.Logger

	mu         sync.Mutex
	processors map[queue.QueueName]Processor
	started    bool

	fetchCtx   context.Context
	stopFetch  context.CancelFunc
	jobsCtx    context.Context
	cancelJobs context.CancelFunc
	wg         sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

func NewPool(store queue.Store, registry *queue.Registry, cfg PoolConfig, logger *zap.Logger) *Pool {
	return &Pool{
		store:      store,
		registry:   registry,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		processors: make(map[queue.QueueName]Processor),
	}
}

// Register attaches a processor to a queue. It must be called before Start.
func (p *Pool) Register(q queue.QueueName, proc Processor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("register %s: pool already started", q)
	}
	if _, ok := p.registry.Get(q); !ok {
		return fmt.Errorf("register %s: %w", q, queue.ErrUnknownQueue)
	}
	if _, dup := p.processors[q]; dup {
		return fmt.Errorf("register %s: processor already registered", q)
	}
	p.processors[q] = proc
	return nil
}

// Start verifies the store and launches the fetch and stall loops. An
// unreachable store is returned as an error: a consumer cannot run without
// it.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if len(p.processors) == 0 {
		return ErrNoProcessors
	}
	if err := p.store.Ping(ctx); err != nil {
		return fmt.Errorf("queue store unreachable: %w", err)
	}

	p.fetchCtx, p.stopFetch = context.WithCancel(context.Background())
	p.jobsCtx, p.cancelJobs = context.WithCancel(context.Background())
	p.started = true

	for _, q := range p.registry.All() {
		proc, ok := p.processors[q.Name]
		if !ok {
			p.logger.Debug("no processor for queue, not consuming", zap.String("queue", string(q.Name)))
			continue
		}

		for i := 0; i < q.Concurrency; i++ {
			p.wg.Add(1)
			go p.fetchLoop(q, proc)
		}
		p.wg.Add(1)
		go p.stallLoop(q)

		p.logger.Info("consuming queue",
			zap.String("queue", string(q.Name)),
			zap.Int("concurrency", q.Concurrency),
			zap.Duration("lock_duration", q.LockDuration),
		)
	}

	return nil
}

// Shutdown stops fetching and waits for active jobs up to the grace period
// or ctx, whichever ends first. Jobs still running after that are cancelled
// and left to the stall sweep. Safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		started := p.started
		p.mu.Unlock()
		if !started {
			return
		}

		p.logger.Info("worker pool shutting down", zap.Duration("grace_period", p.cfg.GracePeriod))
		p.stopFetch()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		grace := time.NewTimer(p.cfg.GracePeriod)
		defer grace.Stop()

		select {
		case <-done:
			p.cancelJobs()
			p.logger.Info("worker pool drained")
			return
		case <-grace.C:
		case <-ctx.Done():
		}

		p.logger.Warn("grace period expired, abandoning active jobs")
		p.cancelJobs()
		select {
		case <-done:
		case <-time.After(abandonWait):
			p.logger.Error("processors ignored cancellation")
		}
		p.shutdownErr = ErrShutdownTimeout
	})
	return p.shutdownErr
}

func (p *Pool) fetchLoop(q queue.QueueConfig, proc Processor) {
	defer p.wg.Done()

	backoff := p.cfg.ErrorBackoff
	for p.fetchCtx.Err() == nil {
		job, err := p.store.Claim(p.fetchCtx, q.Name, q.LockDuration)
		if err != nil {
			if p.fetchCtx.Err() != nil {
				return
			}
			p.logger.Warn("claim failed, retrying",
				zap.String("queue", string(q.Name)),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			if !p.sleep(backoff) {
				return
			}
			backoff = min(backoff*2, p.cfg.MaxErrorBackoff)
			continue
		}
		backoff = p.cfg.ErrorBackoff

		if job == nil {
			if err := p.store.WaitForJob(p.fetchCtx, q.Name, p.cfg.DrainDelay); err != nil && p.fetchCtx.Err() == nil {
				p.logger.Warn("waiting for jobs failed", zap.String("queue", string(q.Name)), zap.Error(err))
				p.sleep(p.cfg.ErrorBackoff)
			}
			continue
		}

		p.run(q, proc, job)
	}
}

func (p *Pool) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-p.fetchCtx.Done():
		return false
	}
}

func (p *Pool) run(q queue.QueueConfig, proc Processor, job *queue.Job) {
	start := time.Now()
	log := p.logger.With(
		zap.String("queue", string(q.Name)),
		zap.String("job_id", job.ID),
		zap.String("job_name", string(job.Name)),
		zap.String("organization_id", job.OrganizationID.String()),
		zap.Int("attempt", job.Attempt),
	)

	ctx, cancel := context.WithTimeout(p.jobsCtx, q.JobTimeout)
	heartbeatDone := make(chan struct{})
	go p.heartbeat(ctx, q, job, heartbeatDone, log)

	err := invoke(ctx, proc, job)
	cancel()
	<-heartbeatDone

	if err != nil && p.jobsCtx.Err() != nil {
		log.Warn("job abandoned at shutdown, lease left to expire", zap.Error(err))
		metrics.RecordJobProcessed(string(q.Name), "abandoned", time.Since(start))
		return
	}

	p.finish(q, job, err, time.Since(start), log)
}

// invoke runs the processor, turning a panic into an error.
func invoke(ctx context.Context, proc Processor, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return proc.Process(ctx, job)
}

// heartbeat renews the lease every LockDuration/2 until ctx ends. Tying it to
// the job context means a processor that outlives its timeout loses the lease.
func (p *Pool) heartbeat(ctx context.Context, q queue.QueueConfig, job *queue.Job, done chan<- struct{}, log *zap.Logger) {
	defer close(done)

	t := time.NewTicker(q.LockDuration / 2)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := p.store.ExtendLock(ctx, job, q.LockDuration)
			if errors.Is(err, queue.ErrLockLost) {
				log.Warn("job lease lost")
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Warn("lease renewal failed", zap.Error(err))
			}
		}
	}
}

func (p *Pool) finish(q queue.QueueConfig, job *queue.Job, procErr error, took time.Duration, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if procErr == nil {
		if err := p.store.Complete(ctx, job); err != nil {
			log.Warn("could not mark job completed", zap.Error(err))
			metrics.RecordJobProcessed(string(q.Name), "lock_lost", took)
			return
		}
		log.Debug("job completed", zap.Duration("took", took))
		metrics.RecordJobProcessed(string(q.Name), "completed", took)
		return
	}

	if wait, ok := queue.PostponedFor(procErr); ok && !queue.IsUnrecoverable(procErr) {
		if err := p.store.Postpone(ctx, job, procErr.Error(), wait); err != nil {
			log.Warn("could not postpone job", zap.Error(err), zap.NamedError("job_error", procErr))
			metrics.RecordJobProcessed(string(q.Name), "lock_lost", took)
			return
		}
		log.Info("job postponed, attempt not counted", zap.Duration("retry_in", wait), zap.Error(procErr))
		metrics.RecordJobProcessed(string(q.Name), "postponed", took)
		return
	}

	delay, retry := queue.NextAttempt(job)
	if queue.IsUnrecoverable(procErr) {
		retry = false
	}

	state, err := p.store.Fail(ctx, job, procErr.Error(), delay, retry)
	if err != nil {
		log.Warn("could not mark job failed", zap.Error(err), zap.NamedError("job_error", procErr))
		metrics.RecordJobProcessed(string(q.Name), "lock_lost", took)
		return
	}

	if state == queue.StateDelayed {
		log.Warn("job failed, retry scheduled", zap.Duration("retry_in", delay), zap.Error(procErr))
		metrics.RecordJobProcessed(string(q.Name), "retried", took)
		return
	}
	log.Error("job failed permanently", zap.Int("max_attempts", job.MaxAttempts), zap.Error(procErr))
	metrics.RecordJobProcessed(string(q.Name), "failed", took)
}

func (p *Pool) stallLoop(q queue.QueueConfig) {
	defer p.wg.Done()

	t := time.NewTicker(q.StallInterval)
	defer t.Stop()

	for {
		p.checkStalled(q)
		select {
		case <-p.fetchCtx.Done():
			return
		case <-t.C:
		}
	}
}

func (p *Pool) checkStalled(q queue.QueueConfig) {
	report, err := p.store.MoveStalled(p.fetchCtx, q.Name, q.MaxStalledCount)
	if err != nil {
		if p.fetchCtx.Err() == nil {
			p.logger.Warn("stall check failed", zap.String("queue", string(q.Name)), zap.Error(err))
		}
		return
	}
	if len(report.Requeued) == 0 && len(report.Failed) == 0 {
		return
	}

	metrics.RecordJobsStalled(string(q.Name), len(report.Requeued), len(report.Failed))
	p.logger.Warn("stalled jobs recovered",
		zap.String("queue", string(q.Name)),
		zap.Strings("requeued", report.Requeued),
		zap.Strings("failed", report.Failed),
	)
}
