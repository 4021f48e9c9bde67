package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/alerts"
	"github.com/lalithlochan/freshtrack/internal/jobs"
	"github.com/lalithlochan/freshtrack/internal/metrics"
	"github.com/lalithlochan/freshtrack/internal/queue"
)

// ErrNotificationsDisabled means the queue store is not available and the
// event's notifications were dropped.
var ErrNotificationsDisabled = errors.New("notification queue disabled, notifications dropped")

// Dispatcher turns lifecycle events into notification jobs. It implements
// alerts.Publisher.
type Dispatcher struct {
	policies PolicyStore
	enqueuer Enqueuer
	logger   *zap.Logger
}

func NewDispatcher(policies PolicyStore, enqueuer Enqueuer, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		policies: policies,
		enqueuer: enqueuer,
		logger:   logger,
	}
}

// Publish enqueues one job per enabled channel of the organization's policy.
// The first enabled target of a channel is used. Failures on one channel do
// not stop the others and are returned joined. When the producer runs
// disabled nothing is delivered, which is reported as
// ErrNotificationsDisabled.
func (d *Dispatcher) Publish(ctx context.Context, ev alerts.Event) error {
	kind, ok := jobs.NotificationKindFor(ev.Type)
	if !ok {
		return fmt.Errorf("no notification job for event %q", ev.Type)
	}

	orgID := ev.Alert.OrganizationID
	policy, err := d.policies.PolicyFor(ctx, orgID)
	if err != nil {
		return fmt.Errorf("load notification policy: %w", err)
	}
	if !policy.Allows(ev) {
		d.logger.Debug("event filtered by notification policy",
			zap.String("organization_id", orgID.String()),
			zap.String("alert_id", ev.Alert.ID.String()),
			zap.String("event", string(ev.Type)),
		)
		return nil
	}

	var (
		errs    []error
		dropped bool
		seen    = make(map[Channel]bool)
	)
	for _, t := range policy.Targets {
		if !t.Enabled || seen[t.Channel] {
			continue
		}
		seen[t.Channel] = true

		q, ok := QueueFor(t.Channel)
		if !ok {
			errs = append(errs, fmt.Errorf("unknown channel %q", t.Channel))
			continue
		}

		job := NotificationJob{
			BaseJobData: queue.BaseJobData{OrganizationID: orgID},
			Channel:     t.Channel,
			AlertID:     ev.Alert.ID,
			Event:       ev.Type,
			Severity:    ev.Alert.Severity,
			Recipient:   t.Recipient,
		}
		content, err := Render(ev, t.Channel)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Channel, err))
			continue
		}
		job.Content = content

		res, err := d.enqueuer.AddJob(ctx, q, queue.JobName(kind), job,
			queue.WithJobID(job.DedupKey()),
			queue.WithPriority(priorityFor(ev.Alert.Severity)),
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Channel, err))
			continue
		}
		if res.Disabled {
			dropped = true
			metrics.RecordNotificationOutcome(string(t.Channel), "dropped")
			d.logger.Warn("queue disabled, notification dropped",
				zap.String("organization_id", orgID.String()),
				zap.String("alert_id", ev.Alert.ID.String()),
				zap.String("channel", string(t.Channel)),
				zap.String("event", string(ev.Type)),
			)
			continue
		}
		if res.Duplicate {
			continue
		}

		metrics.RecordNotificationEnqueued(string(t.Channel), string(ev.Type))
		d.logger.Info("notification enqueued",
			zap.String("organization_id", orgID.String()),
			zap.String("alert_id", ev.Alert.ID.String()),
			zap.String("channel", string(t.Channel)),
			zap.String("job_id", res.JobID),
		)
	}

	if dropped {
		errs = append(errs, ErrNotificationsDisabled)
	}
	return errors.Join(errs...)
}

// Critical alerts jump ahead of everything else on a channel queue.
func priorityFor(s alerts.Severity) int {
	switch s {
	case alerts.SeverityCritical:
		return 1
	case alerts.SeverityWarning:
		return 5
	default:
		return 10
	}
}
