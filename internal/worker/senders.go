package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/notify"
	"github.com/lalithlochan/freshtrack/internal/queue"
)

// Sender delivers rendered notification content on one or more channels.
// Implementations: SES (email), SNS (SMS), signed HTTP webhooks.
type Sender interface {
	Send(ctx context.Context, d *notify.Delivery) error
	SupportsChannel(ch notify.Channel) bool
}

// MultiSender routes a delivery to the first sender that supports its
// channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

func (m *MultiSender) Send(ctx context.Context, d *notify.Delivery) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(d.Job.Channel) {
			m.logger.Debug("routing delivery to sender",
				zap.String("channel", string(d.Job.Channel)),
				zap.String("job_id", d.JobID),
			)
			return sender.Send(ctx, d)
		}
	}

	// Retrying cannot make a sender appear.
	return queue.Unrecoverable(fmt.Errorf("no sender configured for channel %s", d.Job.Channel))
}

func (m *MultiSender) SupportsChannel(ch notify.Channel) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(ch) {
			return true
		}
	}
	return false
}

// LogSender only logs. Used in development when no provider is configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, d *notify.Delivery) error {
	s.logger.Info("notification (development mode)",
		zap.String("job_id", d.JobID),
		zap.String("channel", string(d.Job.Channel)),
		zap.String("organization_id", d.Job.OrganizationID.String()),
		zap.String("alert_id", d.Job.AlertID.String()),
		zap.String("event", string(d.Job.Event)),
		zap.String("recipient", d.Job.Recipient),
		zap.String("subject", d.Job.Content.Subject),
		zap.String("body", d.Job.Content.Body),
	)
	return nil
}

func (s *LogSender) SupportsChannel(ch notify.Channel) bool {
	return ch.Valid()
}

// requireRecipient rejects a delivery with nothing to send to. Such a job
// would fail the same way on every attempt.
func requireRecipient(d *notify.Delivery, want notify.Channel) error {
	if d.Job.Channel != want {
		return queue.Unrecoverable(fmt.Errorf("%s sender cannot deliver on channel %s", want, d.Job.Channel))
	}
	if d.Job.Recipient == "" {
		return queue.Unrecoverable(fmt.Errorf("%s delivery %s has no recipient", want, d.JobID))
	}
	if d.Job.Content.Body == "" {
		return queue.Unrecoverable(fmt.Errorf("%s delivery %s has no content", want, d.JobID))
	}
	return nil
}
