// Package jobs is the catalogue of queues, job names and payloads shared by
// the producer (gateway, dispatcher) and the consumer (worker).
//
// Each queue carries a closed set of job names modelled as its own string
// type, so processors switch over them exhaustively.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/freshtrack/internal/alerts"
	"github.com/lalithlochan/freshtrack/internal/gaps"
	"github.com/lalithlochan/freshtrack/internal/queue"
)

const (
	QueueSensorReadings       queue.QueueName = "sensor-readings"
	QueueSMSNotifications     queue.QueueName = "sms-notifications"
	QueueEmailNotifications   queue.QueueName = "email-notifications"
	QueueWebhookNotifications queue.QueueName = "webhook-notifications"
	QueueMonitoringGaps       queue.QueueName = "monitoring-gaps"
)

// ReadingKind is a job name on the sensor-readings queue.
type ReadingKind queue.JobName

const ReadingEvaluate ReadingKind = "evaluate-reading"

// NotificationKind is a job name on every notification queue.
type NotificationKind queue.JobName

const (
	NotificationAlertTriggered    NotificationKind = "alert-triggered"
	NotificationAlertAcknowledged NotificationKind = "alert-acknowledged"
	NotificationAlertResolved     NotificationKind = "alert-resolved"
)

// GapKind is a job name on the monitoring-gaps queue.
type GapKind queue.JobName

const (
	GapUnitStateChanged GapKind = "unit-state-changed"
	GapManualLogMissed  GapKind = "manual-log-missed"
)

func ParseReadingKind(name queue.JobName) (ReadingKind, error) {
	switch k := ReadingKind(name); k {
	case ReadingEvaluate:
		return k, nil
	}
	return "", fmt.Errorf("unknown reading job %q", name)
}

func ParseNotificationKind(name queue.JobName) (NotificationKind, error) {
	switch k := NotificationKind(name); k {
	case NotificationAlertTriggered, NotificationAlertAcknowledged, NotificationAlertResolved:
		return k, nil
	}
	return "", fmt.Errorf("unknown notification job %q", name)
}

func ParseGapKind(name queue.JobName) (GapKind, error) {
	switch k := GapKind(name); k {
	case GapUnitStateChanged, GapManualLogMissed:
		return k, nil
	}
	return "", fmt.Errorf("unknown gap job %q", name)
}

// NotificationKindFor maps an alert lifecycle event to its job name.
func NotificationKindFor(ev alerts.EventType) (NotificationKind, bool) {
	switch ev {
	case alerts.EventTriggered:
		return NotificationAlertTriggered, true
	case alerts.EventAcknowledged:
		return NotificationAlertAcknowledged, true
	case alerts.EventResolved:
		return NotificationAlertResolved, true
	}
	return "", false
}

// GapKindFor picks the job name for a raw unit event.
func GapKindFor(eventType string) GapKind {
	if eventType == gaps.EventTypeMissedManualLog {
		return GapManualLogMissed
	}
	return GapUnitStateChanged
}

// Concurrency holds per-queue worker counts.
type Concurrency struct {
	Readings int
	SMS      int
	Email    int
	Webhook  int
	Gaps     int
}

// DefaultConcurrency: email is slower upstream than SMS, so it gets fewer
// slots.
func DefaultConcurrency() Concurrency {
	return Concurrency{Readings: 4, SMS: 5, Email: 2, Webhook: 5, Gaps: 2}
}

// NotificationKeepFailed is how many failed jobs each notification queue
// retains.
const NotificationKeepFailed = 2000

func jobOptions(opts ...queue.JobOption) queue.JobOptions {
	o := queue.DefaultJobOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewRegistry builds the queue registry for every queue in the catalogue.
func NewRegistry(c Concurrency) (*queue.Registry, error) {
	def := DefaultConcurrency()
	pick := func(v, fallback int) int {
		if v > 0 {
			return v
		}
		return fallback
	}

	// Failed deliveries are what operators retry by hand, so notification
	// queues keep a longer failed history.
	delivery := jobOptions(queue.WithRetention(100, NotificationKeepFailed))

	return queue.NewRegistry(
		queue.QueueConfig{Name: QueueSensorReadings, Concurrency: pick(c.Readings, def.Readings), JobTimeout: 30 * time.Second},
		queue.QueueConfig{Name: QueueSMSNotifications, Concurrency: pick(c.SMS, def.SMS), JobTimeout: 20 * time.Second, Defaults: delivery},
		queue.QueueConfig{Name: QueueEmailNotifications, Concurrency: pick(c.Email, def.Email), JobTimeout: 30 * time.Second, Defaults: delivery},
		queue.QueueConfig{Name: QueueWebhookNotifications, Concurrency: pick(c.Webhook, def.Webhook), JobTimeout: 20 * time.Second, Defaults: delivery},
		queue.QueueConfig{Name: QueueMonitoringGaps, Concurrency: pick(c.Gaps, def.Gaps), JobTimeout: 15 * time.Second},
	)
}

// ReadingJob asks the evaluator to check one normalized reading.
type ReadingJob struct {
	queue.BaseJobData
	SiteID       uuid.UUID `json:"siteId"`
	UnitID       uuid.UUID `json:"unitId"`
	Temperature  *float64  `json:"temperature,omitempty"`
	BatteryLevel *float64  `json:"batteryLevel,omitempty"`
	RecordedAt   time.Time `json:"recordedAt"`
}

// Reading converts the payload for the evaluator.
func (j ReadingJob) Reading() alerts.Reading {
	return alerts.Reading{
		OrganizationID: j.OrganizationID,
		SiteID:         j.SiteID,
		UnitID:         j.UnitID,
		Temperature:    j.Temperature,
		BatteryLevel:   j.BatteryLevel,
		RecordedAt:     j.RecordedAt,
	}
}

// UnitEventJob carries a raw unit state-change event.
type UnitEventJob struct {
	queue.BaseJobData
	EventID    uuid.UUID      `json:"eventId"`
	UnitID     uuid.UUID      `json:"unitId"`
	EventType  string         `json:"eventType"`
	EventData  gaps.EventData `json:"eventData"`
	RecordedAt time.Time      `json:"recordedAt"`
}

// StateChange converts the payload for the gap detector.
func (j UnitEventJob) StateChange() gaps.StateChangeEvent {
	return gaps.StateChangeEvent{
		EventID:        j.EventID,
		OrganizationID: j.OrganizationID,
		UnitID:         j.UnitID,
		EventType:      j.EventType,
		Data:           j.EventData,
		RecordedAt:     j.RecordedAt,
	}
}

// Decode unmarshals a job payload and checks it belongs to the job's
// organization.
func Decode[T queue.JobData](job *queue.Job) (T, error) {
	var data T
	if err := json.Unmarshal(job.Data, &data); err != nil {
		return data, fmt.Errorf("decode %s payload: %w", job.Name, err)
	}
	if data.Organization() != job.OrganizationID {
		return data, fmt.Errorf("%s payload organization %s does not match job organization %s",
			job.Name, data.Organization(), job.OrganizationID)
	}
	return data, nil
}
