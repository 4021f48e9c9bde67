package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/alerts"
)

const alertColumns = `
	id, organization_id, site_id, unit_id, alert_type, severity, status, message,
	triggered_at, acknowledged_at, acknowledged_by, acknowledgment_notes,
	resolved_at, resolved_by, resolution, resolution_notes,
	metadata, created_at, updated_at`

// openStatuses must match the predicate of alerts_one_open_per_unit_type.
const openStatuses = `('triggered', 'acknowledged')`

// touchAttempts bounds the insert/update race with a concurrent resolve.
const touchAttempts = 3

// AlertRepository implements alerts.Repository.
type AlertRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewAlertRepository(db *DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{db: db, logger: logger}
}

// OpenOrTouch inserts candidate unless an alert of the same type is already
// open for the unit, in which case that alert's last value, last seen time
// and continuation count are refreshed. The partial unique index makes the
// insert the arbiter between concurrent evaluators.
func (r *AlertRepository) OpenOrTouch(ctx context.Context, candidate *alerts.Alert) (*alerts.Alert, bool, error) {
	meta, err := json.Marshal(candidate.Metadata)
	if err != nil {
		return nil, false, fmt.Errorf("marshal alert metadata: %w", err)
	}

	for attempt := 1; attempt <= touchAttempts; attempt++ {
		var (
			alert   *alerts.Alert
			created bool
		)

		err := r.db.inTx(ctx, func(tx pgx.Tx) error {
			row := tx.QueryRow(ctx, `
				INSERT INTO alerts (
					id, organization_id, site_id, unit_id, alert_type, severity,
					status, message, triggered_at, metadata
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (organization_id, unit_id, alert_type) WHERE status IN `+openStatuses+`
				DO NOTHING
				RETURNING `+alertColumns,
				candidate.ID,
				candidate.OrganizationID,
				candidate.SiteID,
				candidate.UnitID,
				string(candidate.Type),
				string(candidate.Severity),
				string(candidate.Status),
				candidate.Message,
				candidate.TriggeredAt,
				meta,
			)
			a, err := scanAlert(row)
			if err == nil {
				alert, created = a, true
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("insert alert: %w", err)
			}

			row = tx.QueryRow(ctx, `
				UPDATE alerts
				SET metadata = metadata || jsonb_build_object(
						'last_value', $4::float8,
						'last_seen_at', $5::text,
						'continuation_count', COALESCE((metadata->>'continuation_count')::int, 0) + 1),
					updated_at = NOW()
				WHERE organization_id = $1 AND unit_id = $2 AND alert_type = $3
				  AND status IN `+openStatuses+`
				RETURNING `+alertColumns,
				candidate.OrganizationID,
				candidate.UnitID,
				string(candidate.Type),
				candidate.Metadata.LastValue,
				candidate.Metadata.LastSeenAt.UTC().Format(time.RFC3339Nano),
			)
			a, err = scanAlert(row)
			if err != nil {
				return err
			}
			alert = a
			return nil
		})

		if err == nil {
			return alert, created, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, err
		}
		// The open alert was resolved between the insert and the update.
		r.logger.Debug("open alert closed concurrently, retrying",
			zap.String("unit_id", candidate.UnitID.String()),
			zap.Int("attempt", attempt),
		)
	}

	return nil, false, fmt.Errorf("open alert for unit %s: lost race %d times", candidate.UnitID, touchAttempts)
}

// FindOpen returns the open alert of alertType for the unit, or nil.
func (r *AlertRepository) FindOpen(ctx context.Context, orgID, unitID uuid.UUID, alertType alerts.AlertType) (*alerts.Alert, error) {
	row := r.db.Pool().QueryRow(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE organization_id = $1 AND unit_id = $2 AND alert_type = $3
		  AND status IN `+openStatuses,
		orgID, unitID, string(alertType),
	)
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query open alert: %w", err)
	}
	return a, nil
}

// Get loads an alert within its organization. An alert of another
// organization is reported as not found.
func (r *AlertRepository) Get(ctx context.Context, orgID, alertID uuid.UUID) (*alerts.Alert, error) {
	row := r.db.Pool().QueryRow(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE organization_id = $1 AND id = $2`,
		orgID, alertID,
	)
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, alerts.ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query alert: %w", err)
	}
	return a, nil
}

// Transition applies t only while the alert is still in t.From.
func (r *AlertRepository) Transition(ctx context.Context, t alerts.Transition) (*alerts.Alert, error) {
	var row pgx.Row
	switch t.To {
	case alerts.StatusAcknowledged:
		row = r.db.Pool().QueryRow(ctx, `
			UPDATE alerts
			SET status = 'acknowledged', acknowledged_at = $4, acknowledged_by = $5,
				acknowledgment_notes = $6, updated_at = NOW()
			WHERE organization_id = $1 AND id = $2 AND status = $3
			RETURNING `+alertColumns,
			t.OrganizationID, t.AlertID, string(t.From), t.At, t.ActorID, t.Notes,
		)
	case alerts.StatusResolved:
		row = r.db.Pool().QueryRow(ctx, `
			UPDATE alerts
			SET status = 'resolved', resolved_at = $4, resolved_by = $5,
				resolution = $6, resolution_notes = $7, updated_at = NOW()
			WHERE organization_id = $1 AND id = $2 AND status = $3
			RETURNING `+alertColumns,
			t.OrganizationID, t.AlertID, string(t.From), t.At, t.ActorID, t.Resolution, t.Notes,
		)
	default:
		return nil, fmt.Errorf("%w: to %s", alerts.ErrInvalidTransition, t.To)
	}

	a, err := scanAlert(row)
	if err == nil {
		r.logger.Info("alert status changed",
			zap.String("alert_id", a.ID.String()),
			zap.String("from", string(t.From)),
			zap.String("to", string(t.To)),
		)
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update alert status: %w", err)
	}

	// Nothing matched: either the alert is gone or its status moved on.
	if _, err := r.Get(ctx, t.OrganizationID, t.AlertID); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: alert is no longer %s", alerts.ErrInvalidTransition, t.From)
}

func scanAlert(row pgx.Row) (*alerts.Alert, error) {
	var (
		a    alerts.Alert
		meta []byte
	)
	err := row.Scan(
		&a.ID,
		&a.OrganizationID,
		&a.SiteID,
		&a.UnitID,
		&a.Type,
		&a.Severity,
		&a.Status,
		&a.Message,
		&a.TriggeredAt,
		&a.AcknowledgedAt,
		&a.AcknowledgedBy,
		&a.AcknowledgmentNotes,
		&a.ResolvedAt,
		&a.ResolvedBy,
		&a.Resolution,
		&a.ResolutionNotes,
		&meta,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode alert metadata: %w", err)
		}
	}
	return &a, nil
}
