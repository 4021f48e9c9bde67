package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/alerts"
)

// RuleRepository implements alerts.RuleStore. A row's scope follows from
// which of site_id and unit_id it sets.
type RuleRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewRuleRepository(db *DB, logger *zap.Logger) *RuleRepository {
	return &RuleRepository{db: db, logger: logger}
}

// RulesFor loads the unit, site and organization rules for ref in one query.
func (r *RuleRepository) RulesFor(ctx context.Context, ref alerts.UnitRef) (alerts.RuleSet, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT site_id, unit_id, temp_min, temp_max, battery_min, severity
		FROM alert_rules
		WHERE organization_id = $1
		  AND (unit_id = $3
		       OR (unit_id IS NULL AND site_id = $2)
		       OR (unit_id IS NULL AND site_id IS NULL))`,
		ref.OrganizationID, ref.SiteID, ref.UnitID,
	)
	if err != nil {
		return alerts.RuleSet{}, fmt.Errorf("query alert rules: %w", err)
	}
	defer rows.Close()

	var set alerts.RuleSet
	for rows.Next() {
		var (
			siteID, unitID *uuid.UUID
			rule           alerts.Rule
		)
		if err := rows.Scan(&siteID, &unitID, &rule.TempMin, &rule.TempMax, &rule.BatteryMin, &rule.Severity); err != nil {
			return alerts.RuleSet{}, fmt.Errorf("scan alert rule: %w", err)
		}

		switch {
		case unitID != nil:
			rule.Scope = alerts.ScopeUnit
			set.Unit = &rule
		case siteID != nil:
			rule.Scope = alerts.ScopeSite
			set.Site = &rule
		default:
			rule.Scope = alerts.ScopeOrganization
			set.Organization = &rule
		}
	}
	if err := rows.Err(); err != nil {
		return alerts.RuleSet{}, fmt.Errorf("iterate alert rules: %w", err)
	}

	return set, nil
}
