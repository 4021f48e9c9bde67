package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/alerts"
	"github.com/lalithlochan/freshtrack/internal/notify"
)

// PolicyRepository implements notify.PolicyStore.
type PolicyRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewPolicyRepository(db *DB, logger *zap.Logger) *PolicyRepository {
	return &PolicyRepository{db: db, logger: logger}
}

// PolicyFor returns the organization's policy with its targets in position
// order, or nil when none is configured.
func (r *PolicyRepository) PolicyFor(ctx context.Context, orgID uuid.UUID) (*notify.Policy, error) {
	var (
		p          notify.Policy
		minSev     *string
		alertTypes []string
		notifyOn   []string
	)
	err := r.db.Pool().QueryRow(ctx, `
		SELECT organization_id, enabled, min_severity, alert_types, notify_on
		FROM notification_policies
		WHERE organization_id = $1`,
		orgID,
	).Scan(&p.OrganizationID, &p.Enabled, &minSev, &alertTypes, &notifyOn)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query notification policy: %w", err)
	}

	if minSev != nil {
		p.MinSeverity = alerts.Severity(*minSev)
	}
	for _, t := range alertTypes {
		p.AlertTypes = append(p.AlertTypes, alerts.AlertType(t))
	}
	for _, ev := range notifyOn {
		p.NotifyOn = append(p.NotifyOn, alerts.EventType(ev))
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT channel, recipient, enabled
		FROM notification_targets
		WHERE organization_id = $1
		ORDER BY position, created_at`,
		orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("query notification targets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t notify.Target
		if err := rows.Scan(&t.Channel, &t.Recipient, &t.Enabled); err != nil {
			return nil, fmt.Errorf("scan notification target: %w", err)
		}
		if !t.Channel.Valid() {
			r.logger.Warn("ignoring target with unknown channel",
				zap.String("organization_id", orgID.String()),
				zap.String("channel", string(t.Channel)),
			)
			continue
		}
		p.Targets = append(p.Targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification targets: %w", err)
	}

	return &p, nil
}
