// Package notify fans alert lifecycle events out into per-channel delivery
// jobs and defines how delivery outcomes are recorded. Delivery state is
// tracked apart from alert status: nothing here writes to an alert.
package notify

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/freshtrack/internal/alerts"
	"github.com/lalithlochan/freshtrack/internal/jobs"
	"github.com/lalithlochan/freshtrack/internal/queue"
)

// Channel is a delivery channel.
type Channel string

const (
	ChannelSMS     Channel = "sms"
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	_, ok := QueueFor(c)
	return ok
}

// QueueFor returns the queue that delivers on channel c.
func QueueFor(c Channel) (queue.QueueName, bool) {
	switch c {
	case ChannelSMS:
		return jobs.QueueSMSNotifications, true
	case ChannelEmail:
		return jobs.QueueEmailNotifications, true
	case ChannelWebhook:
		return jobs.QueueWebhookNotifications, true
	}
	return "", false
}

// Target is a configured recipient on one channel: a phone number, an email
// address or a webhook URL.
type Target struct {
	Channel   Channel `json:"channel"`
	Recipient string  `json:"recipient"`
	Enabled   bool    `json:"enabled"`
}

// Policy is an organization's notification policy.
type Policy struct {
	OrganizationID uuid.UUID `json:"organizationId"`
	Enabled        bool      `json:"enabled"`

	// MinSeverity filters out lower-severity alerts. Empty means all.
	MinSeverity alerts.Severity `json:"minSeverity,omitempty"`

	// AlertTypes and NotifyOn restrict which alerts and which lifecycle
	// events notify. Empty means all.
	AlertTypes []alerts.AlertType `json:"alertTypes,omitempty"`
	NotifyOn   []alerts.EventType `json:"notifyOn,omitempty"`

	Targets []Target `json:"targets"`
}

// Allows reports whether ev should notify under p.
func (p *Policy) Allows(ev alerts.Event) bool {
	if p == nil || !p.Enabled {
		return false
	}
	if p.MinSeverity != "" && ev.Alert.Severity.Rank() < p.MinSeverity.Rank() {
		return false
	}
	if len(p.AlertTypes) > 0 && !slices.Contains(p.AlertTypes, ev.Alert.Type) {
		return false
	}
	if len(p.NotifyOn) > 0 && !slices.Contains(p.NotifyOn, ev.Type) {
		return false
	}
	return true
}

// PolicyStore loads notification policies. A nil policy with a nil error
// means the organization has none.
type PolicyStore interface {
	PolicyFor(ctx context.Context, orgID uuid.UUID) (*Policy, error)
}

// Enqueuer submits jobs. *queue.Service implements it.
type Enqueuer interface {
	AddJob(ctx context.Context, q queue.QueueName, name queue.JobName, data queue.JobData, opts ...queue.JobOption) (queue.AddResult, error)
}

// NotificationJob is the payload of every notification queue.
type NotificationJob struct {
	queue.BaseJobData
	Channel   Channel          `json:"channel"`
	AlertID   uuid.UUID        `json:"alertId"`
	Event     alerts.EventType `json:"event"`
	Severity  alerts.Severity  `json:"severity"`
	Recipient string           `json:"recipient"`
	Content   Content          `json:"content"`
}

// DedupKey identifies one externally visible delivery. It is both the queue
// job id and the idempotency key checked before sending.
func (j NotificationJob) DedupKey() string {
	return fmt.Sprintf("%s:%s:%s", j.AlertID, j.Channel, j.Event)
}

// Delivery is a notification job handed to a channel sender.
type Delivery struct {
	JobID       string
	Attempt     int
	MaxAttempts int
	Kind        jobs.NotificationKind
	Job         NotificationJob
}

// Final reports whether this is the last attempt the queue will make.
func (d *Delivery) Final() bool {
	return d.Attempt >= d.MaxAttempts
}

// Outcome of one delivery attempt.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeFailed    Outcome = "failed"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeSkipped   Outcome = "skipped"
)

// DeliveryRecord is the audit row written for each attempt.
type DeliveryRecord struct {
	ID             uuid.UUID        `json:"id"`
	OrganizationID uuid.UUID        `json:"organizationId"`
	AlertID        uuid.UUID        `json:"alertId"`
	Channel        Channel          `json:"channel"`
	Event          alerts.EventType `json:"event"`
	Recipient      string           `json:"recipient"`
	JobID          string           `json:"jobId"`
	Attempt        int              `json:"attempt"`
	Outcome        Outcome          `json:"outcome"`
	Error          string           `json:"error,omitempty"`
	RecordedAt     time.Time        `json:"recordedAt"`
}

// NewRecord starts a record for d.
func NewRecord(d *Delivery, outcome Outcome, err error) DeliveryRecord {
	rec := DeliveryRecord{
		ID:             uuid.New(),
		OrganizationID: d.Job.OrganizationID,
		AlertID:        d.Job.AlertID,
		Channel:        d.Job.Channel,
		Event:          d.Job.Event,
		Recipient:      d.Job.Recipient,
		JobID:          d.JobID,
		Attempt:        d.Attempt,
		Outcome:        outcome,
		RecordedAt:     time.Now().UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

// DeliveryRecorder stores delivery outcomes.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, rec DeliveryRecord) error
}
