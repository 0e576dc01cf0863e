package store

import (
	"context"
	"strconv"
	"time"

	"github.com/mindgauge/backend/internal/domain"
)

func (p *Postgres) SaveReliabilityMetric(ctx context.Context, rm *domain.ReliabilityMetric) error {
	if rm.CalculatedAt.IsZero() {
		rm.CalculatedAt = time.Now().UTC()
	}
	details, err := jsonb(rm.Details)
	if err != nil {
		return err
	}
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO reliability_metrics (kind, value, sample_size, details, calculated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		rm.Kind, rm.Value, rm.SampleSize, details, rm.CalculatedAt,
	).Scan(&rm.ID)
	return translate(err)
}

// ReliabilityHistory lists metrics newest-first with optional kind and
// cutoff filters.
func (p *Postgres) ReliabilityHistory(ctx context.Context, kind domain.MetricKind, since time.Time, limit, offset int) ([]*domain.ReliabilityMetric, error) {
	query := `SELECT id, kind, value, sample_size, details, calculated_at FROM reliability_metrics`
	var clauses []string
	var args []any
	if kind != "" {
		args = append(args, kind)
		clauses = append(clauses, "kind = $"+strconv.Itoa(len(args)))
	}
	if !since.IsZero() {
		args = append(args, since)
		clauses = append(clauses, "calculated_at >= $"+strconv.Itoa(len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + clauses[0]
		for _, c := range clauses[1:] {
			query += " AND " + c
		}
	}
	query += " ORDER BY calculated_at DESC, id DESC"
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += " OFFSET $" + strconv.Itoa(len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []*domain.ReliabilityMetric
	for rows.Next() {
		var rm domain.ReliabilityMetric
		var details []byte
		if err := rows.Scan(&rm.ID, &rm.Kind, &rm.Value, &rm.SampleSize, &details, &rm.CalculatedAt); err != nil {
			return nil, translate(err)
		}
		if err := scanJSON(details, &rm.Details); err != nil {
			return nil, err
		}
		out = append(out, &rm)
	}
	return out, translate(rows.Err())
}
