package db

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/gaps"
)

// GapRepository implements gaps.Repository.
type GapRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewGapRepository(db *DB, logger *zap.Logger) *GapRepository {
	return &GapRepository{db: db, logger: logger}
}

// InsertGap reports false when the gap id already exists.
func (r *GapRepository) InsertGap(ctx context.Context, g gaps.Gap) (bool, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		INSERT INTO monitoring_gaps (
			id, organization_id, unit_id, gap_type, start_at, duration_minutes, source_event_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		g.ID,
		g.OrganizationID,
		g.UnitID,
		string(g.GapType),
		g.StartAt,
		g.DurationMinutes,
		g.SourceEventID,
	)
	if err != nil {
		return false, fmt.Errorf("insert monitoring gap: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *GapRepository) ListGaps(ctx context.Context, q gaps.Query) ([]gaps.Gap, error) {
	query, args := buildGapQuery(q)

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query monitoring gaps: %w", err)
	}
	defer rows.Close()

	out := make([]gaps.Gap, 0)
	for rows.Next() {
		var g gaps.Gap
		if err := rows.Scan(
			&g.ID,
			&g.OrganizationID,
			&g.UnitID,
			&g.GapType,
			&g.StartAt,
			&g.DurationMinutes,
			&g.SourceEventID,
		); err != nil {
			return nil, fmt.Errorf("scan monitoring gap: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// buildGapQuery renders the optional filters as numbered placeholders.
func buildGapQuery(q gaps.Query) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT id, organization_id, unit_id, gap_type, start_at, duration_minutes, source_event_id
		FROM monitoring_gaps
		WHERE organization_id = $1`)
	args := []any{q.OrganizationID}

	if q.UnitID != nil {
		args = append(args, *q.UnitID)
		fmt.Fprintf(&b, " AND unit_id = $%d", len(args))
	}
	if q.From != nil {
		args = append(args, *q.From)
		fmt.Fprintf(&b, " AND start_at >= $%d", len(args))
	}
	if q.To != nil {
		args = append(args, *q.To)
		fmt.Fprintf(&b, " AND start_at < $%d", len(args))
	}

	args = append(args, q.Limit)
	fmt.Fprintf(&b, " ORDER BY start_at DESC LIMIT $%d", len(args))
	return b.String(), args
}
