package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mindgauge/backend/internal/domain"
)

const itemColumns = `id, prompt, stimulus, options, correct_index, domain, difficulty,
p_value, discrimination, irt_a, irt_b, irt_se_a, irt_se_b, irt_information_peak,
irt_calibrated_at, irt_calibration_n, active, quality, anchor, anchor_since`

func scanItem(row interface{ Scan(...any) error }) (*domain.Item, error) {
	var it domain.Item
	var options []byte
	var a, b, seA, seB, infoPeak sql.NullFloat64
	var calibratedAt, anchorSince sql.NullTime
	var calibrationN int

	err := row.Scan(&it.ID, &it.Prompt, &it.Stimulus, &options, &it.CorrectIndex,
		&it.Domain, &it.Difficulty, &it.PValue, &it.Discrimination,
		&a, &b, &seA, &seB, &infoPeak, &calibratedAt, &calibrationN,
		&it.Active, &it.Quality, &it.Anchor, &anchorSince)
	if err != nil {
		return nil, err
	}
	if err := scanJSON(options, &it.Options); err != nil {
		return nil, err
	}
	if a.Valid {
		it.IRT = &domain.IRTParams{
			A:            a.Float64,
			B:            b.Float64,
			SEA:          seA.Float64,
			SEB:          seB.Float64,
			InfoPeak:     infoPeak.Float64,
			CalibratedAt: calibratedAt.Time,
			CalibrationN: calibrationN,
		}
	}
	it.AnchorSince = timePtr(anchorSince)
	return &it, nil
}

// PutItem inserts a new item or replaces an existing one by id.
func (p *Postgres) PutItem(ctx context.Context, it *domain.Item) error {
	options, err := jsonb(it.Options)
	if err != nil {
		return err
	}

	var a, b, seA, seB, infoPeak sql.NullFloat64
	var calibratedAt sql.NullTime
	calibrationN := 0
	if it.IRT != nil {
		a = sql.NullFloat64{Float64: it.IRT.A, Valid: true}
		b = sql.NullFloat64{Float64: it.IRT.B, Valid: true}
		seA = sql.NullFloat64{Float64: it.IRT.SEA, Valid: true}
		seB = sql.NullFloat64{Float64: it.IRT.SEB, Valid: true}
		infoPeak = sql.NullFloat64{Float64: it.IRT.InfoPeak, Valid: true}
		calibratedAt = sql.NullTime{Time: it.IRT.CalibratedAt, Valid: true}
		calibrationN = it.IRT.CalibrationN
	}

	if it.ID == 0 {
		err = p.db.QueryRowContext(ctx, `
			INSERT INTO items (prompt, stimulus, options, correct_index, domain, difficulty,
			                   p_value, discrimination, irt_a, irt_b, irt_se_a, irt_se_b,
			                   irt_information_peak, irt_calibrated_at, irt_calibration_n,
			                   active, quality, anchor, anchor_since)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
			RETURNING id`,
			it.Prompt, it.Stimulus, options, it.CorrectIndex, it.Domain, it.Difficulty,
			it.PValue, it.Discrimination, a, b, seA, seB, infoPeak, calibratedAt, calibrationN,
			it.Active, it.Quality, it.Anchor, nullTime(it.AnchorSince),
		).Scan(&it.ID)
		return translate(err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO items (id, prompt, stimulus, options, correct_index, domain, difficulty,
		                   p_value, discrimination, irt_a, irt_b, irt_se_a, irt_se_b,
		                   irt_information_peak, irt_calibrated_at, irt_calibration_n,
		                   active, quality, anchor, anchor_since)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			prompt = EXCLUDED.prompt, stimulus = EXCLUDED.stimulus, options = EXCLUDED.options,
			correct_index = EXCLUDED.correct_index, domain = EXCLUDED.domain,
			difficulty = EXCLUDED.difficulty, p_value = EXCLUDED.p_value,
			discrimination = EXCLUDED.discrimination, irt_a = EXCLUDED.irt_a,
			irt_b = EXCLUDED.irt_b, irt_se_a = EXCLUDED.irt_se_a, irt_se_b = EXCLUDED.irt_se_b,
			irt_information_peak = EXCLUDED.irt_information_peak,
			irt_calibrated_at = EXCLUDED.irt_calibrated_at,
			irt_calibration_n = EXCLUDED.irt_calibration_n, active = EXCLUDED.active,
			quality = EXCLUDED.quality, anchor = EXCLUDED.anchor,
			anchor_since = EXCLUDED.anchor_since`,
		it.ID, it.Prompt, it.Stimulus, options, it.CorrectIndex, it.Domain, it.Difficulty,
		it.PValue, it.Discrimination, a, b, seA, seB, infoPeak, calibratedAt, calibrationN,
		it.Active, it.Quality, it.Anchor, nullTime(it.AnchorSince))
	return translate(err)
}

func (p *Postgres) ItemByID(ctx context.Context, id int64) (*domain.Item, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id)
	it, err := scanItem(row)
	if err != nil {
		return nil, notFound(err, domain.KeyItemNotFound, "item not found")
	}
	return it, nil
}

func (p *Postgres) ItemsByID(ctx context.Context, ids []int64) (map[int64]*domain.Item, error) {
	if len(ids) == 0 {
		return map[int64]*domain.Item{}, nil
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	out := make(map[int64]*domain.Item, len(ids))
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, translate(err)
		}
		out[it.ID] = it
	}
	return out, translate(rows.Err())
}

// EligibleItems lists the servable pool: active, quality normal, and
// calibrated with positive discrimination.
func (p *Postgres) EligibleItems(ctx context.Context) ([]*domain.Item, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE active AND quality = $1 AND irt_a IS NOT NULL AND irt_a > 0
		ORDER BY id`, domain.QualityNormal)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (p *Postgres) ListItems(ctx context.Context, f ItemFilter) ([]*domain.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items`
	var clauses []string
	var args []any
	if f.ActiveOnly {
		clauses = append(clauses, "active")
	}
	if len(f.Domains) > 0 {
		args = append(args, pq.Array(domainStrings(f.Domains)))
		clauses = append(clauses, "domain = ANY($"+strconv.Itoa(len(args))+")")
	}
	if len(f.Difficulties) > 0 {
		args = append(args, pq.Array(difficultyStrings(f.Difficulties)))
		clauses = append(clauses, "difficulty = ANY($"+strconv.Itoa(len(args))+")")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (p *Postgres) SetAnchor(ctx context.Context, itemID int64, anchor bool) error {
	var since sql.NullTime
	if anchor {
		since = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}
	return p.execOnItem(ctx,
		`UPDATE items SET anchor = $2, anchor_since = $3 WHERE id = $1`, itemID, anchor, since)
}

func (p *Postgres) ListAnchors(ctx context.Context) ([]*domain.Item, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE anchor ORDER BY id`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (p *Postgres) SetQuality(ctx context.Context, itemID int64, q domain.QualityState) error {
	return p.execOnItem(ctx, `UPDATE items SET quality = $2 WHERE id = $1`, itemID, q)
}

func (p *Postgres) UpdateClassicalStats(ctx context.Context, itemID int64, pValue, discrimination float64) error {
	return p.execOnItem(ctx,
		`UPDATE items SET p_value = $2, discrimination = $3 WHERE id = $1`,
		itemID, pValue, discrimination)
}

// UpdateCalibration commits a calibration run in one transaction.
func (p *Postgres) UpdateCalibration(ctx context.Context, updates []ItemCalibration) error {
	for _, c := range updates {
		if err := c.validate(); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	return p.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range updates {
			res, err := tx.ExecContext(ctx, `
				UPDATE items SET irt_a = $2, irt_b = $3, irt_se_a = $4, irt_se_b = $5,
				                 irt_information_peak = $6, irt_calibrated_at = $7,
				                 irt_calibration_n = $8
				WHERE id = $1`,
				c.ItemID, c.A, c.B, c.SEA, c.SEB, c.InfoPeak, now, c.ResponseN)
			if err != nil {
				return translate(err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return translate(err)
			}
			if n == 0 {
				return domain.NotFoundErr(domain.KeyItemNotFound, "calibration update for unknown item")
			}
		}
		return nil
	})
}

func (p *Postgres) ResponseCountsByItem(ctx context.Context) (map[int64]int, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT item_id, COUNT(*) FROM responses GROUP BY item_id`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	out := map[int64]int{}
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, translate(err)
		}
		out[id] = n
	}
	return out, translate(rows.Err())
}

func (p *Postgres) execOnItem(ctx context.Context, query string, itemID int64, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, append([]any{itemID}, args...)...)
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return translate(err)
	}
	if n == 0 {
		return domain.NotFoundErr(domain.KeyItemNotFound, "item not found")
	}
	return nil
}

func collectItems(rows *sql.Rows) ([]*domain.Item, error) {
	var out []*domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, translate(err)
		}
		out = append(out, it)
	}
	return out, translate(rows.Err())
}

func domainStrings(ds []domain.Domain) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d)
	}
	return out
}

func difficultyStrings(ds []domain.Difficulty) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d)
	}
	return out
}
