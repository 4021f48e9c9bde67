package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/metrics"
)

// Connector opens the producer side store. A nil Connector means no store
// is configured.
type Connector func(ctx context.Context) (Store, error)

// ServiceConfig configures the producer.
type ServiceConfig struct {
	// Timeout bounds every store call made on behalf of a caller.
	Timeout time.Duration
}

// Service is the producer: it validates and submits jobs. When the store is
// not configured or unreachable at Initialize it runs disabled, and AddJob
// becomes a no-op so request paths keep working.
type Service struct {
	registry *Registry
	connect  Connector
	cfg      ServiceConfig
	logger   *zap.Logger

	mu          sync.RWMutex
	store       Store
	initialized bool

	closeOnce sync.Once
	closeErr  error
}

// NewService creates a producer for the queues in registry.
func NewService(registry *Registry, connect Connector, cfg ServiceConfig, logger *zap.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Service{
		registry: registry,
		connect:  connect,
		cfg:      cfg,
		logger:   logger,
	}
}

// Initialize connects to the store. Failure to connect is not an error: the
// service logs once and stays disabled.
func (s *Service) Initialize(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return
	}
	s.initialized = true

	if s.connect == nil {
		s.logger.Warn("queue store not configured, background jobs disabled")
		metrics.SetQueueStoreEnabled(false)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	store, err := s.connect(ctx)
	if err != nil {
		s.logger.Warn("queue store unreachable, background jobs disabled", zap.Error(err))
		metrics.SetQueueStoreEnabled(false)
		return
	}

	s.store = store
	metrics.SetQueueStoreEnabled(true)
	s.logger.Info("queue service initialized",
		zap.Int("queues", len(s.registry.Names())),
	)
}

// Enabled reports whether jobs are actually being persisted.
func (s *Service) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store != nil
}

// Queues returns every registered queue name.
func (s *Service) Queues() []QueueName {
	return s.registry.Names()
}

// AddJob validates and submits a job. Validation happens even when the
// store is disabled.
func (s *Service) AddJob(ctx context.Context, q QueueName, name JobName, data JobData, opts ...JobOption) (AddResult, error) {
	if missingOrganization(data) {
		return AddResult{}, ErrMissingOrganization
	}
	if name == "" {
		return AddResult{}, ErrEmptyJobName
	}
	qcfg, ok := s.registry.Get(q)
	if !ok {
		return AddResult{}, fmt.Errorf("%w: %s", ErrUnknownQueue, q)
	}

	options := qcfg.Defaults
	for _, opt := range opts {
		opt(&options)
	}
	if options.Attempts < 1 {
		options.Attempts = 1
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return AddResult{}, fmt.Errorf("encode %s payload: %w", name, err)
	}

	store := s.current()
	if store == nil {
		metrics.RecordJobEnqueueSkipped(string(q), "disabled")
		return AddResult{Disabled: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	res, err := store.Add(ctx, q, name, data.Organization(), payload, options)
	if err != nil {
		s.logger.Error("failed to add job",
			zap.String("queue", string(q)),
			zap.String("job_name", string(name)),
			zap.String("organization_id", data.Organization().String()),
			zap.Error(err),
		)
		return AddResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if res.Duplicate {
		metrics.RecordJobEnqueueSkipped(string(q), "duplicate")
		s.logger.Debug("job already queued",
			zap.String("queue", string(q)),
			zap.String("job_id", res.JobID),
		)
		return res, nil
	}

	metrics.RecordJobEnqueued(string(q), string(name))
	s.logger.Debug("job added",
		zap.String("queue", string(q)),
		zap.String("job_name", string(name)),
		zap.String("job_id", res.JobID),
		zap.String("organization_id", data.Organization().String()),
	)
	return res, nil
}

// Counts returns the job counts of a single queue.
func (s *Service) Counts(ctx context.Context, q QueueName) (Counts, error) {
	store, err := s.storeFor(q)
	if err != nil {
		return Counts{}, err
	}
	return store.Counts(ctx, q)
}

// ListFailed returns retained failed jobs of a queue for triage.
func (s *Service) ListFailed(ctx context.Context, q QueueName, offset, limit int64) ([]*Job, error) {
	store, err := s.storeFor(q)
	if err != nil {
		return nil, err
	}
	return store.ListFailed(ctx, q, offset, limit)
}

// RetryFailed requeues a failed job.
func (s *Service) RetryFailed(ctx context.Context, q QueueName, id string) error {
	store, err := s.storeFor(q)
	if err != nil {
		return err
	}
	if err := store.RetryFailed(ctx, q, id); err != nil {
		return err
	}
	s.logger.Info("failed job requeued", zap.String("queue", string(q)), zap.String("job_id", id))
	return nil
}

// Remove cancels a job that has not started yet.
func (s *Service) Remove(ctx context.Context, q QueueName, id string) (bool, error) {
	store, err := s.storeFor(q)
	if err != nil {
		return false, err
	}
	return store.Remove(ctx, q, id)
}

// Shutdown closes the store connection. Safe to call more than once.
func (s *Service) Shutdown() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		store := s.store
		s.store = nil
		s.mu.Unlock()

		if store != nil {
			s.closeErr = store.Close()
			s.logger.Info("queue service shut down")
		}
	})
	return s.closeErr
}

// missingOrganization also rejects a typed nil pointer, whose Organization
// method would dereference nil.
func missingOrganization(data JobData) bool {
	if data == nil {
		return true
	}
	if v := reflect.ValueOf(data); v.Kind() == reflect.Pointer && v.IsNil() {
		return true
	}
	return data.Organization() == uuid.Nil
}

func (s *Service) current() Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

func (s *Service) storeFor(q QueueName) (Store, error) {
	if _, ok := s.registry.Get(q); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, q)
	}
	store := s.current()
	if store == nil {
		return nil, ErrQueueDisabled
	}
	return store, nil
}
