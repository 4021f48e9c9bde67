// Package gaps turns unit state-change events into monitoring gap records:
// intervals where the system lost visibility into a unit.
package gaps

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/metrics"
)

// GapType is the reason a gap was recorded.
type GapType string

const (
	GapOffline               GapType = "offline"
	GapMonitoringInterrupted GapType = "monitoring_interrupted"
	GapMissedManualLog       GapType = "missed_manual_log"
)

// MaxDurationMinutes caps a reported duration to what the INT column holds.
const MaxDurationMinutes = math.MaxInt32

// EventTypeMissedManualLog is the event type emitted when a scheduled manual
// temperature log was not recorded.
const EventTypeMissedManualLog = "missed_manual_log"

// gapNamespace seeds deterministic gap ids so a redelivered event maps to
// the row it already produced.
var gapNamespace = uuid.MustParse("4b7d0c52-5a8e-4f0e-9d0a-6c1e2f3a4b5c")

var ErrInvalidEvent = errors.New("invalid state-change event")

// EventData is the free-form detail attached to a state change.
type EventData struct {
	FromStatus      *string  `json:"from_status,omitempty"`
	ToStatus        *string  `json:"to_status,omitempty"`
	DurationMinutes *float64 `json:"duration_minutes,omitempty"`
}

// StateChangeEvent is a raw unit event.
type StateChangeEvent struct {
	EventID        uuid.UUID `json:"eventId"`
	OrganizationID uuid.UUID `json:"organizationId"`
	UnitID         uuid.UUID `json:"unitId"`
	EventType      string    `json:"eventType"`
	Data           EventData `json:"eventData"`
	RecordedAt     time.Time `json:"recordedAt"`
}

// Gap is a recorded monitoring gap.
type Gap struct {
	ID              uuid.UUID `json:"id"`
	OrganizationID  uuid.UUID `json:"organizationId"`
	UnitID          uuid.UUID `json:"unitId"`
	GapType         GapType   `json:"gapType"`
	StartAt         time.Time `json:"startAt"`
	DurationMinutes int       `json:"durationMinutes"`
	SourceEventID   uuid.UUID `json:"sourceEventId"`
}

// Classify decides whether ev is a gap. An event qualifies when its to_status
// is offline or monitoring_interrupted, or when it is a missed manual log.
// Everything else, recovery to online included, is filtered out.
func Classify(ev StateChangeEvent) (Gap, bool) {
	var gt GapType
	switch {
	case ev.Data.ToStatus != nil && *ev.Data.ToStatus == string(GapOffline):
		gt = GapOffline
	case ev.Data.ToStatus != nil && *ev.Data.ToStatus == string(GapMonitoringInterrupted):
		gt = GapMonitoringInterrupted
	case ev.EventType == EventTypeMissedManualLog:
		gt = GapMissedManualLog
	default:
		return Gap{}, false
	}

	duration := 0
	if d := ev.Data.DurationMinutes; d != nil && *d > 0 && !math.IsInf(*d, 0) && !math.IsNaN(*d) {
		duration = int(math.Round(min(*d, MaxDurationMinutes)))
	}

	return Gap{
		ID:              uuid.NewSHA1(gapNamespace, ev.EventID[:]),
		OrganizationID:  ev.OrganizationID,
		UnitID:          ev.UnitID,
		GapType:         gt,
		StartAt:         ev.RecordedAt,
		DurationMinutes: duration,
		SourceEventID:   ev.EventID,
	}, true
}

// Query filters gaps for reporting.
type Query struct {
	OrganizationID uuid.UUID
	UnitID         *uuid.UUID
	From           *time.Time
	To             *time.Time
	Limit          int
}

// Repository persists gaps. InsertGap must ignore an id that already exists
// and report false in that case.
type Repository interface {
	InsertGap(ctx context.Context, g Gap) (bool, error)
	ListGaps(ctx context.Context, q Query) ([]Gap, error)
}

// Detector filters events and records the gaps.
type Detector struct {
	repo   Repository
	logger *zap.Logger
}

func NewDetector(repo Repository, logger *zap.Logger) *Detector {
	return &Detector{repo: repo, logger: logger}
}

// Handle records ev if it is a gap. It returns false for filtered events and
// for redeliveries of an event already recorded.
func (d *Detector) Handle(ctx context.Context, ev StateChangeEvent) (bool, error) {
	if ev.OrganizationID == uuid.Nil || ev.UnitID == uuid.Nil || ev.EventID == uuid.Nil {
		return false, fmt.Errorf("%w: organizationId, unitId and eventId are required", ErrInvalidEvent)
	}

	gap, ok := Classify(ev)
	if !ok {
		metrics.RecordGapFiltered()
		return false, nil
	}
	if gap.StartAt.IsZero() {
		gap.StartAt = time.Now().UTC()
	}

	inserted, err := d.repo.InsertGap(ctx, gap)
	if err != nil {
		return false, fmt.Errorf("insert gap: %w", err)
	}
	if !inserted {
		d.logger.Debug("gap already recorded", zap.String("gap_id", gap.ID.String()))
		return false, nil
	}

	metrics.RecordGapRecorded(string(gap.GapType))
	d.logger.Info("monitoring gap recorded",
		zap.String("organization_id", gap.OrganizationID.String()),
		zap.String("unit_id", gap.UnitID.String()),
		zap.String("gap_type", string(gap.GapType)),
		zap.Int("duration_minutes", gap.DurationMinutes),
	)
	return true, nil
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// List returns gaps for an organization, newest first.
func (d *Detector) List(ctx context.Context, q Query) ([]Gap, error) {
	if q.OrganizationID == uuid.Nil {
		return nil, fmt.Errorf("%w: organizationId is required", ErrInvalidEvent)
	}
	if q.From != nil && q.To != nil && q.To.Before(*q.From) {
		return nil, fmt.Errorf("%w: to is before from", ErrInvalidEvent)
	}
	if q.Limit <= 0 {
		q.Limit = defaultListLimit
	}
	if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	return d.repo.ListGaps(ctx, q)
}
