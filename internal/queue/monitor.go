package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/metrics"
)

// Inspector is the read-only view the monitor needs. *Service implements it.
type Inspector interface {
	Enabled() bool
	Queues() []QueueName
	Counts(ctx context.Context, q QueueName) (Counts, error)
}

// QueueHealth is either counts or an error for one queue.
type QueueHealth struct {
	Name   QueueName `json:"name"`
	Counts *Counts   `json:"counts,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Health is the operator view of every queue.
type Health struct {
	RedisEnabled bool          `json:"redisEnabled"`
	Queues       []QueueHealth `json:"queues"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Monitor aggregates per-queue counts. A failing queue is reported on its
// own entry and never hides the others.
type Monitor struct {
	src     Inspector
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewMonitor creates a monitor that gives each queue timeout to answer.
func NewMonitor(src Inspector, timeout time.Duration, logger *zap.Logger) *Monitor {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Monitor{src: src, timeout: timeout, logger: logger, now: time.Now}
}

// Snapshot collects counts for every registered queue concurrently.
func (m *Monitor) Snapshot(ctx context.Context) Health {
	h := Health{
		RedisEnabled: m.src.Enabled(),
		Queues:       []QueueHealth{},
		Timestamp:    m.now().UTC(),
	}
	if !h.RedisEnabled {
		return h
	}

	names := m.src.Queues()
	h.Queues = make([]QueueHealth, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name QueueName) {
			defer wg.Done()
			h.Queues[i] = m.queueHealth(ctx, name)
		}(i, name)
	}
	wg.Wait()

	return h
}

func (m *Monitor) queueHealth(ctx context.Context, name QueueName) QueueHealth {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	counts, err := m.src.Counts(ctx, name)
	if err != nil {
		m.logger.Warn("queue stats unavailable",
			zap.String("queue", string(name)),
			zap.Error(err),
		)
		return QueueHealth{Name: name, Error: err.Error()}
	}

	metrics.SetQueueDepth(string(name), counts.Waiting, counts.Active, counts.Delayed, counts.Failed)
	return QueueHealth{Name: name, Counts: &counts}
}
