package queue

import (
	"fmt"
	"time"
)

const (
	defaultLockDuration    = 30 * time.Second
	defaultStallInterval   = 30 * time.Second
	defaultMaxStalledCount = 1
	defaultJobTimeout      = time.Minute
)

// QueueConfig is the static configuration of one queue.
type QueueConfig struct {
	Name        QueueName
	Concurrency int

	// LockDuration is the lease a worker holds on an active job. Workers
	// renew it every LockDuration/2 while the processor runs.
	LockDuration time.Duration

	// StallInterval is how often expired leases are swept back to waiting.
	StallInterval time.Duration

	// MaxStalledCount is how many times a job may stall before it fails.
	MaxStalledCount int

	// JobTimeout bounds a single processor invocation. Lease renewal stops
	// when it expires, so a processor that ignores its context is eventually
	// picked up by the stall sweep.
	JobTimeout time.Duration

	Defaults JobOptions
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.LockDuration <= 0 {
		c.LockDuration = defaultLockDuration
	}
	if c.StallInterval <= 0 {
		c.StallInterval = defaultStallInterval
	}
	if c.MaxStalledCount <= 0 {
		c.MaxStalledCount = defaultMaxStalledCount
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaultJobTimeout
	}
	if c.Defaults.Attempts == 0 && c.Defaults.Backoff.Type == "" {
		c.Defaults = DefaultJobOptions()
	}
	return c
}

// Registry holds every queue the process knows about. It is built once at
// startup and shared by the producer and the consumer.
type Registry struct {
	queues map[QueueName]QueueConfig
	order  []QueueName
}

// NewRegistry validates cfgs and returns a registry preserving their order.
func NewRegistry(cfgs ...QueueConfig) (*Registry, error) {
	r := &Registry{queues: make(map[QueueName]QueueConfig, len(cfgs))}

	for _, cfg := range cfgs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("queue name is required")
		}
		if _, dup := r.queues[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate queue %q", cfg.Name)
		}
		if cfg.Concurrency <= 0 {
			return nil, fmt.Errorf("queue %q: concurrency must be positive, got %d", cfg.Name, cfg.Concurrency)
		}

		cfg = cfg.withDefaults()
		if cfg.Defaults.Attempts < 1 {
			return nil, fmt.Errorf("queue %q: default attempts must be at least 1", cfg.Name)
		}

		r.queues[cfg.Name] = cfg
		r.order = append(r.order, cfg.Name)
	}

	return r, nil
}

// Get returns the configuration of a queue.
func (r *Registry) Get(name QueueName) (QueueConfig, bool) {
	cfg, ok := r.queues[name]
	return cfg, ok
}

// Names returns queue names in registration order.
func (r *Registry) Names() []QueueName {
	out := make([]QueueName, len(r.order))
	copy(out, r.order)
	return out
}

// All returns every queue configuration in registration order.
func (r *Registry) All() []QueueConfig {
	out := make([]QueueConfig, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.queues[name])
	}
	return out
}
