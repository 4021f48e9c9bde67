package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/notify"
	"github.com/lalithlochan/freshtrack/internal/queue"
)

// Sender mirrors worker.Sender so the worker package need not be imported.
type Sender interface {
	Send(ctx context.Context, d *notify.Delivery) error
	SupportsChannel(ch notify.Channel) bool
}

// ProtectedSender puts a breaker in front of a channel sender.
type ProtectedSender struct {
	sender  Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSender(sender Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send fails fast with ErrCircuitOpen while the breaker is open. The error is
// postponed until the breaker lets a trial call through, so a provider outage
// does not use up the job's attempts.
func (p *ProtectedSender) Send(ctx context.Context, d *notify.Delivery) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit open, skipping send attempt",
			zap.String("breaker", p.breaker.Name()),
			zap.String("job_id", d.JobID),
			zap.String("channel", string(d.Job.Channel)),
		)
		err := fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.Name())
		return queue.Postpone(err, p.breaker.RetryAfter())
	}

	err := p.sender.Send(ctx, d)
	p.breaker.Record(err)
	return err
}

func (p *ProtectedSender) SupportsChannel(ch notify.Channel) bool {
	return p.sender.SupportsChannel(ch)
}

// Breaker exposes the breaker for stats.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
