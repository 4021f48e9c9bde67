package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/notify"
)

// DeliveryRepository implements notify.DeliveryRecorder. Rows are append-only:
// one per attempt.
type DeliveryRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewDeliveryRepository(db *DB, logger *zap.Logger) *DeliveryRepository {
	return &DeliveryRepository{db: db, logger: logger}
}

func (r *DeliveryRepository) RecordDelivery(ctx context.Context, rec notify.DeliveryRecord) error {
	var errMsg *string
	if rec.Error != "" {
		errMsg = &rec.Error
	}

	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO notification_deliveries (
			id, organization_id, alert_id, channel, event, recipient,
			job_id, attempt, outcome, error_message, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID,
		rec.OrganizationID,
		rec.AlertID,
		string(rec.Channel),
		string(rec.Event),
		rec.Recipient,
		rec.JobID,
		rec.Attempt,
		string(rec.Outcome),
		errMsg,
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery record: %w", err)
	}
	return nil
}

// ListForAlert returns every delivery attempt of an alert, oldest first.
func (r *DeliveryRepository) ListForAlert(ctx context.Context, orgID, alertID uuid.UUID) ([]notify.DeliveryRecord, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, organization_id, alert_id, channel, event, recipient,
		       job_id, attempt, outcome, COALESCE(error_message, ''), recorded_at
		FROM notification_deliveries
		WHERE organization_id = $1 AND alert_id = $2
		ORDER BY recorded_at`,
		orgID, alertID,
	)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []notify.DeliveryRecord
	for rows.Next() {
		var rec notify.DeliveryRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.OrganizationID,
			&rec.AlertID,
			&rec.Channel,
			&rec.Event,
			&rec.Recipient,
			&rec.JobID,
			&rec.Attempt,
			&rec.Outcome,
			&rec.Error,
			&rec.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
