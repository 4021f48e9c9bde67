package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/metrics"
)

const (
	maxNotesLength     = 2000
	autoResolution     = "auto-resolved: reading back within threshold"
	skipNoThreshold    = "missing_threshold"
	skipNoMeasurements = "no_measurements"
	skipBadSeverity    = "invalid_severity"
)

// Repository persists alerts. OpenOrTouch must be atomic: it either inserts
// candidate as the single open alert for its (unit, type) or updates the
// metadata of the one already open, and reports which happened.
type Repository interface {
	OpenOrTouch(ctx context.Context, candidate *Alert) (alert *Alert, created bool, err error)
	FindOpen(ctx context.Context, orgID, unitID uuid.UUID, alertType AlertType) (*Alert, error)
	Get(ctx context.Context, orgID, alertID uuid.UUID) (*Alert, error)
	Transition(ctx context.Context, t Transition) (*Alert, error)
}

// RuleStore loads the threshold rules that apply to a unit.
type RuleStore interface {
	RulesFor(ctx context.Context, ref UnitRef) (RuleSet, error)
}

// Reading is a normalized sensor reading. Missing measurements are nil.
type Reading struct {
	OrganizationID uuid.UUID
	SiteID         uuid.UUID
	UnitID         uuid.UUID
	Temperature    *float64
	BatteryLevel   *float64
	RecordedAt     time.Time
}

// Outcome summarizes what one evaluation did.
type Outcome struct {
	Created   []Alert
	Continued []Alert
	Resolved  []Alert
	Skipped   bool
}

// ActionRequest is an actor's request to acknowledge an alert. The caller has
// already authenticated and authorized ActorID.
type ActionRequest struct {
	OrganizationID uuid.UUID
	AlertID        uuid.UUID
	ActorID        uuid.UUID
	Notes          *string
}

// ResolveRequest is an actor's request to resolve an alert.
type ResolveRequest struct {
	ActionRequest
	Resolution string
}

// Evaluator turns readings into alerts and applies actor transitions.
type Evaluator struct {
	repo      Repository
	rules     RuleStore
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewEvaluator creates an evaluator. publisher may be nil.
func NewEvaluator(repo Repository, rules RuleStore, publisher Publisher, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		repo:      repo,
		rules:     rules,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// check is one alert type derived from one measurement.
type check struct {
	alertType AlertType
	value     float64
	upper     []Bound
	lower     []Bound
}

func (r Reading) checks() []check {
	var out []check
	if r.Temperature != nil {
		out = append(out, check{
			alertType: TypeTempExcursion,
			value:     *r.Temperature,
			upper:     []Bound{BoundTempMax},
			lower:     []Bound{BoundTempMin},
		})
	}
	if r.BatteryLevel != nil {
		out = append(out, check{
			alertType: TypeLowBattery,
			value:     *r.BatteryLevel,
			lower:     []Bound{BoundBatteryMin},
		})
	}
	return out
}

// evaluate returns the crossed threshold, if any, and whether any limit for
// this check is configured at all.
func (c check) evaluate(rs RuleSet) (crossed *Threshold, configured bool, err error) {
	for _, b := range c.upper {
		th, ok, err := rs.Resolve(b)
		if err != nil {
			return nil, true, err
		}
		if ok {
			configured = true
			if c.value > th.Limit && crossed == nil {
				crossed = &th
			}
		}
	}
	for _, b := range c.lower {
		th, ok, err := rs.Resolve(b)
		if err != nil {
			return nil, true, err
		}
		if ok {
			configured = true
			if c.value < th.Limit && crossed == nil {
				crossed = &th
			}
		}
	}
	return crossed, configured, nil
}

func (r Reading) validate() error {
	switch {
	case r.OrganizationID == uuid.Nil:
		return fmt.Errorf("%w: organizationId is required", ErrInvalidRequest)
	case r.UnitID == uuid.Nil:
		return fmt.Errorf("%w: unitId is required", ErrInvalidRequest)
	}
	return nil
}

// Evaluate applies reading to the unit's open alerts. Missing or invalid
// threshold configuration is logged and skipped; repository failures are returned so
// the caller can retry.
func (e *Evaluator) Evaluate(ctx context.Context, r Reading) (Outcome, error) {
	var out Outcome
	if err := r.validate(); err != nil {
		return out, err
	}

	checks := r.checks()
	if len(checks) == 0 {
		metrics.RecordEvaluationSkipped(skipNoMeasurements)
		out.Skipped = true
		return out, nil
	}

	rules, err := e.rules.RulesFor(ctx, UnitRef{OrganizationID: r.OrganizationID, SiteID: r.SiteID, UnitID: r.UnitID})
	if err != nil {
		return out, fmt.Errorf("load thresholds: %w", err)
	}

	for _, c := range checks {
		crossed, configured, err := c.evaluate(rules)
		if err != nil {
			// Leave open alerts alone: clearing against a broken rule could
			// resolve a real excursion.
			e.logger.Error("threshold misconfigured, skipping evaluation",
				zap.String("organization_id", r.OrganizationID.String()),
				zap.String("unit_id", r.UnitID.String()),
				zap.String("alert_type", string(c.alertType)),
				zap.Error(err),
			)
			metrics.RecordEvaluationSkipped(skipBadSeverity)
			out.Skipped = true
			continue
		}
		if !configured {
			e.logger.Warn("no threshold configured, skipping evaluation",
				zap.String("organization_id", r.OrganizationID.String()),
				zap.String("unit_id", r.UnitID.String()),
				zap.String("alert_type", string(c.alertType)),
			)
			metrics.RecordEvaluationSkipped(skipNoThreshold)
			out.Skipped = true
			continue
		}

		if crossed != nil {
			if err := e.breach(ctx, r, c, *crossed, &out); err != nil {
				return out, err
			}
			continue
		}

		if err := e.clear(ctx, r, c, &out); err != nil {
			return out, err
		}
	}

	return out, nil
}

func (e *Evaluator) breach(ctx context.Context, r Reading, c check, th Threshold, out *Outcome) error {
	at := r.RecordedAt
	if at.IsZero() {
		at = e.now()
	}

	candidate := &Alert{
		ID:             uuid.New(),
		OrganizationID: r.OrganizationID,
		SiteID:         r.SiteID,
		UnitID:         r.UnitID,
		Type:           c.alertType,
		Severity:       th.Severity,
		Status:         StatusTriggered,
		Message:        describe(c, th),
		TriggeredAt:    at,
		Metadata: Metadata{
			Value:      c.value,
			Limit:      th.Limit,
			Bound:      th.Bound,
			RuleScope:  th.Scope,
			LastValue:  c.value,
			LastSeenAt: at,
		},
	}

	alert, created, err := e.repo.OpenOrTouch(ctx, candidate)
	if err != nil {
		return fmt.Errorf("open alert: %w", err)
	}

	if !created {
		// Already open: no new row and no new notification.
		metrics.RecordAlertContinuation(string(c.alertType))
		e.logger.Debug("breach continues open alert",
			zap.String("alert_id", alert.ID.String()),
			zap.Int("continuation_count", alert.Metadata.ContinuationCount),
		)
		out.Continued = append(out.Continued, *alert)
		return nil
	}

	metrics.RecordAlertCreated(string(alert.Type), string(alert.Severity))
	e.logger.Info("alert triggered",
		zap.String("alert_id", alert.ID.String()),
		zap.String("organization_id", alert.OrganizationID.String()),
		zap.String("unit_id", alert.UnitID.String()),
		zap.String("alert_type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
	)
	out.Created = append(out.Created, *alert)
	e.publish(ctx, Event{Type: EventTriggered, Alert: *alert, OccurredAt: e.now()})
	return nil
}

func (e *Evaluator) clear(ctx context.Context, r Reading, c check, out *Outcome) error {
	open, err := e.repo.FindOpen(ctx, r.OrganizationID, r.UnitID, c.alertType)
	if err != nil {
		return fmt.Errorf("find open alert: %w", err)
	}
	if open == nil {
		return nil
	}

	resolution := autoResolution
	resolved, err := e.repo.Transition(ctx, Transition{
		OrganizationID: open.OrganizationID,
		AlertID:        open.ID,
		From:           open.Status,
		To:             StatusResolved,
		At:             e.now(),
		Resolution:     &resolution,
	})
	if errors.Is(err, ErrInvalidTransition) {
		// An actor got there first.
		return nil
	}
	if err != nil {
		return fmt.Errorf("auto-resolve alert: %w", err)
	}

	metrics.RecordAlertTransition(string(StatusResolved))
	out.Resolved = append(out.Resolved, *resolved)
	e.publish(ctx, Event{Type: EventResolved, Alert: *resolved, OccurredAt: e.now()})
	return nil
}

// Acknowledge moves a triggered alert to acknowledged on behalf of an actor.
func (e *Evaluator) Acknowledge(ctx context.Context, req ActionRequest) (*Alert, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	return e.apply(ctx, req, StatusAcknowledged, nil)
}

// Resolve moves a triggered or acknowledged alert to resolved.
func (e *Evaluator) Resolve(ctx context.Context, req ResolveRequest) (*Alert, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	resolution := strings.TrimSpace(req.Resolution)
	if resolution == "" {
		return nil, fmt.Errorf("%w: resolution is required", ErrInvalidRequest)
	}
	return e.apply(ctx, req.ActionRequest, StatusResolved, &resolution)
}

func (req ActionRequest) validate() error {
	switch {
	case req.OrganizationID == uuid.Nil:
		return fmt.Errorf("%w: organizationId is required", ErrInvalidRequest)
	case req.AlertID == uuid.Nil:
		return fmt.Errorf("%w: alertId is required", ErrInvalidRequest)
	case req.ActorID == uuid.Nil:
		return fmt.Errorf("%w: actorId is required", ErrInvalidRequest)
	case req.Notes != nil && len(*req.Notes) > maxNotesLength:
		return fmt.Errorf("%w: notes exceed %d characters", ErrInvalidRequest, maxNotesLength)
	}
	return nil
}

func (e *Evaluator) apply(ctx context.Context, req ActionRequest, to Status, resolution *string) (*Alert, error) {
	current, err := e.repo.Get(ctx, req.OrganizationID, req.AlertID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(current.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
	}

	actor := req.ActorID
	updated, err := e.repo.Transition(ctx, Transition{
		OrganizationID: req.OrganizationID,
		AlertID:        req.AlertID,
		From:           current.Status,
		To:             to,
		ActorID:        &actor,
		At:             e.now(),
		Notes:          req.Notes,
		Resolution:     resolution,
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordAlertTransition(string(to))
	e.logger.Info("alert status changed",
		zap.String("alert_id", updated.ID.String()),
		zap.String("organization_id", updated.OrganizationID.String()),
		zap.String("from", string(current.Status)),
		zap.String("to", string(to)),
		zap.String("actor_id", actor.String()),
	)

	evType := EventAcknowledged
	if to == StatusResolved {
		evType = EventResolved
	}
	e.publish(ctx, Event{Type: evType, Alert: *updated, ActorID: &actor, OccurredAt: e.now()})

	return updated, nil
}

func (e *Evaluator) publish(ctx context.Context, ev Event) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Error("failed to publish alert event",
			zap.String("event", string(ev.Type)),
			zap.String("alert_id", ev.Alert.ID.String()),
			zap.Error(err),
		)
	}
}

func describe(c check, th Threshold) string {
	switch th.Bound {
	case BoundTempMax:
		return fmt.Sprintf("Temperature %.1f°C is above the maximum of %.1f°C", c.value, th.Limit)
	case BoundTempMin:
		return fmt.Sprintf("Temperature %.1f°C is below the minimum of %.1f°C", c.value, th.Limit)
	case BoundBatteryMin:
		return fmt.Sprintf("Battery level %.0f%% is below the minimum of %.0f%%", c.value, th.Limit)
	default:
		return fmt.Sprintf("%s: value %.2f crossed limit %.2f", c.alertType, c.value, th.Limit)
	}
}
