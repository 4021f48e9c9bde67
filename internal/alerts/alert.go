// Package alerts evaluates sensor readings against the threshold hierarchy and
// owns the alert lifecycle: creation on breach, deduplication while an alert
// is open, and the acknowledge/resolve transitions requested by actors.
package alerts

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAlertNotFound     = errors.New("alert not found")
	ErrInvalidTransition = errors.New("invalid alert status transition")
	ErrInvalidRequest    = errors.New("invalid alert request")
)

// Status is the alert lifecycle state.
type Status string

const (
	StatusTriggered    Status = "triggered"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Open reports whether an alert in this status counts against the
// one-open-alert-per-unit-and-type rule.
func (s Status) Open() bool {
	return s == StatusTriggered || s == StatusAcknowledged
}

// CanTransition reports whether from -> to is a legal move.
//
//	triggered    -> acknowledged | resolved
//	acknowledged -> resolved
//
// Nothing leaves resolved.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusTriggered:
		return to == StatusAcknowledged || to == StatusResolved
	case StatusAcknowledged:
		return to == StatusResolved
	default:
		return false
	}
}

// AlertType is the condition an alert reports.
type AlertType string

const (
	TypeTempExcursion AlertType = "temp_excursion"
	TypeLowBattery    AlertType = "low_battery"
)

// Severity of an alert, taken from the rule that fired it.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Metadata carries the measurement context of an alert. The evaluator
// refreshes the Last* fields and ContinuationCount on every repeated breach.
type Metadata struct {
	Value             float64   `json:"value"`
	Limit             float64   `json:"limit"`
	Bound             Bound     `json:"bound"`
	RuleScope         Scope     `json:"rule_scope"`
	LastValue         float64   `json:"last_value"`
	LastSeenAt        time.Time `json:"last_seen_at"`
	ContinuationCount int       `json:"continuation_count"`
}

// Alert is a persisted alert row. Actor ids are nil when the system made the
// transition.
type Alert struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organizationId"`
	SiteID         uuid.UUID `json:"siteId"`
	UnitID         uuid.UUID `json:"unitId"`
	Type           AlertType `json:"alertType"`
	Severity       Severity  `json:"severity"`
	Status         Status    `json:"status"`
	Message        string    `json:"message"`

	TriggeredAt         time.Time  `json:"triggeredAt"`
	AcknowledgedAt      *time.Time `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy      *uuid.UUID `json:"acknowledgedBy,omitempty"`
	AcknowledgmentNotes *string    `json:"acknowledgmentNotes,omitempty"`
	ResolvedAt          *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy          *uuid.UUID `json:"resolvedBy,omitempty"`
	Resolution          *string    `json:"resolution,omitempty"`
	ResolutionNotes     *string    `json:"resolutionNotes,omitempty"`

	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Transition is a conditional status change. The repository applies it only
// while the alert is still in From; otherwise it returns ErrInvalidTransition.
type Transition struct {
	OrganizationID uuid.UUID
	AlertID        uuid.UUID
	From           Status
	To             Status
	ActorID        *uuid.UUID
	At             time.Time
	Notes          *string
	Resolution     *string
}
