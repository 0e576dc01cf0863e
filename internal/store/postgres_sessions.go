package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/mindgauge/backend/internal/domain"
)

const sessionColumns = `id, user_id, mode, status, theta, se, served_items, current_item_id,
assigned_items, theta_history, domain_counts, correct_count, items_administered,
stop_reason, final_theta, final_se, started_at, completed_at, version`

func scanSession(row interface{ Scan(...any) error }) (*domain.Session, error) {
	var s domain.Session
	var served, assigned, history, counts []byte
	var currentItem sql.NullInt64
	var finalTheta, finalSE sql.NullFloat64
	var completedAt sql.NullTime

	err := row.Scan(&s.ID, &s.UserID, &s.Mode, &s.Status, &s.Theta, &s.SE,
		&served, &currentItem, &assigned, &history, &counts,
		&s.CorrectCount, &s.ItemsAdministered, &s.StopReason,
		&finalTheta, &finalSE, &s.StartedAt, &completedAt, &s.Version)
	if err != nil {
		return nil, err
	}
	if err := scanJSON(served, &s.ServedItems); err != nil {
		return nil, err
	}
	if err := scanJSON(assigned, &s.AssignedItems); err != nil {
		return nil, err
	}
	if err := scanJSON(history, &s.ThetaHistory); err != nil {
		return nil, err
	}
	if err := scanJSON(counts, &s.DomainCounts); err != nil {
		return nil, err
	}
	s.CurrentItemID = intPtr(currentItem)
	s.FinalTheta = floatPtr(finalTheta)
	s.FinalSE = floatPtr(finalSE)
	s.CompletedAt = timePtr(completedAt)
	return &s, nil
}

type sessionRow struct {
	served, assigned, history, counts []byte
}

func marshalSession(s *domain.Session) (sessionRow, error) {
	var r sessionRow
	var err error
	if r.served, err = jsonb(emptyIfNilInt64(s.ServedItems)); err != nil {
		return r, err
	}
	if r.assigned, err = jsonb(emptyIfNilInt64(s.AssignedItems)); err != nil {
		return r, err
	}
	if r.history, err = jsonb(emptyIfNilFloat(s.ThetaHistory)); err != nil {
		return r, err
	}
	counts := s.DomainCounts
	if counts == nil {
		counts = map[domain.Domain]int{}
	}
	if r.counts, err = jsonb(counts); err != nil {
		return r, err
	}
	return r, nil
}

// CreateSession inserts a new in-progress session. The partial unique
// index rejects a second active session for the same user; that
// violation surfaces as the in-progress conflict.
func (p *Postgres) CreateSession(ctx context.Context, s *domain.Session) error {
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	row, err := marshalSession(s)
	if err != nil {
		return err
	}
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO sessions (user_id, mode, status, theta, se, served_items, current_item_id,
		                      assigned_items, theta_history, domain_counts, correct_count,
		                      items_administered, stop_reason, final_theta, final_se,
		                      started_at, completed_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1)
		RETURNING id`,
		s.UserID, s.Mode, s.Status, s.Theta, s.SE, row.served, nullInt(s.CurrentItemID),
		row.assigned, row.history, row.counts, s.CorrectCount, s.ItemsAdministered,
		s.StopReason, nullFloat(s.FinalTheta), nullFloat(s.FinalSE),
		s.StartedAt, nullTime(s.CompletedAt),
	).Scan(&s.ID)
	if err != nil {
		return translate(err)
	}
	s.Version = 1
	return nil
}

func (p *Postgres) SessionByID(ctx context.Context, id int64) (*domain.Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		return nil, notFound(err, domain.KeySessionNotFound, "session not found")
	}
	return s, nil
}

func (p *Postgres) ActiveSessionByUser(ctx context.Context, userID int64) (*domain.Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1 AND status = $2`, userID, domain.StatusInProgress)
	s, err := scanSession(row)
	if err != nil {
		return nil, notFound(err, domain.KeySessionNotFound, "no active session")
	}
	return s, nil
}

const sessionUpdateSQL = `
	UPDATE sessions SET mode = $3, status = $4, theta = $5, se = $6, served_items = $7,
	       current_item_id = $8, assigned_items = $9, theta_history = $10,
	       domain_counts = $11, correct_count = $12, items_administered = $13,
	       stop_reason = $14, final_theta = $15, final_se = $16, completed_at = $17,
	       version = version + 1
	WHERE id = $1 AND version = $2`

func sessionUpdateArgs(s *domain.Session, row sessionRow) []any {
	return []any{
		s.ID, s.Version, s.Mode, s.Status, s.Theta, s.SE, row.served,
		nullInt(s.CurrentItemID), row.assigned, row.history, row.counts,
		s.CorrectCount, s.ItemsAdministered, s.StopReason,
		nullFloat(s.FinalTheta), nullFloat(s.FinalSE), nullTime(s.CompletedAt),
	}
}

// UpdateSession writes back a mutated session under the optimistic
// version guard. Zero rows affected means another writer got there
// first.
func (p *Postgres) UpdateSession(ctx context.Context, s *domain.Session) error {
	row, err := marshalSession(s)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, sessionUpdateSQL, sessionUpdateArgs(s, row)...)
	if err != nil {
		return translate(err)
	}
	return p.finishSessionUpdate(res, s)
}

// CommitStep appends one response and writes the updated session state
// in a single transaction.
func (p *Postgres) CommitStep(ctx context.Context, s *domain.Session, r *domain.Response) error {
	row, err := marshalSession(s)
	if err != nil {
		return err
	}
	if r.AnsweredAt.IsZero() {
		r.AnsweredAt = time.Now().UTC()
	}
	return p.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO responses (user_id, session_id, item_id, answer, correct,
			                       latency_seconds, answered_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			r.UserID, r.SessionID, r.ItemID, r.Answer, r.Correct,
			r.LatencySeconds, r.AnsweredAt,
		).Scan(&r.ID)
		if err != nil {
			return translate(err)
		}
		res, err := tx.ExecContext(ctx, sessionUpdateSQL, sessionUpdateArgs(s, row)...)
		if err != nil {
			return translate(err)
		}
		return p.finishSessionUpdate(res, s)
	})
}

func (p *Postgres) finishSessionUpdate(res sql.Result, s *domain.Session) error {
	n, err := res.RowsAffected()
	if err != nil {
		return translate(err)
	}
	if n == 0 {
		return domain.Conflict(domain.KeyConflict, "session modified concurrently")
	}
	s.Version++
	return nil
}

// ---- responses ----

func (p *Postgres) AppendResponse(ctx context.Context, r *domain.Response) error {
	if r.AnsweredAt.IsZero() {
		r.AnsweredAt = time.Now().UTC()
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO responses (user_id, session_id, item_id, answer, correct,
		                       latency_seconds, answered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		r.UserID, r.SessionID, r.ItemID, r.Answer, r.Correct,
		r.LatencySeconds, r.AnsweredAt,
	).Scan(&r.ID)
	return translate(err)
}

func (p *Postgres) ResponsesBySession(ctx context.Context, sessionID int64) ([]*domain.Response, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, item_id, answer, correct, latency_seconds, answered_at
		FROM responses WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []*domain.Response
	for rows.Next() {
		var r domain.Response
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.ItemID,
			&r.Answer, &r.Correct, &r.LatencySeconds, &r.AnsweredAt); err != nil {
			return nil, translate(err)
		}
		out = append(out, &r)
	}
	return out, translate(rows.Err())
}

// CalibrationTuples projects (user, item, correct) from completed
// fixed-form sessions only; adaptive selection biases responses.
func (p *Postgres) CalibrationTuples(ctx context.Context) ([]domain.ResponseTuple, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT r.user_id, r.item_id, r.correct
		FROM responses r
		JOIN sessions s ON s.id = r.session_id
		WHERE s.mode = $1 AND s.status = $2
		ORDER BY r.id`, domain.ModeFixed, domain.StatusCompleted)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []domain.ResponseTuple
	for rows.Next() {
		var t domain.ResponseTuple
		if err := rows.Scan(&t.UserID, &t.ItemID, &t.Correct); err != nil {
			return nil, translate(err)
		}
		out = append(out, t)
	}
	return out, translate(rows.Err())
}

func (p *Postgres) CompletedThetasByUser(ctx context.Context) (map[int64][]float64, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, final_theta FROM sessions
		WHERE status = $1 AND final_theta IS NOT NULL
		ORDER BY user_id, completed_at, id`, domain.StatusCompleted)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	out := map[int64][]float64{}
	for rows.Next() {
		var userID int64
		var theta float64
		if err := rows.Scan(&userID, &theta); err != nil {
			return nil, translate(err)
		}
		out[userID] = append(out[userID], theta)
	}
	return out, translate(rows.Err())
}

func emptyIfNilInt64(xs []int64) []int64 {
	if xs == nil {
		return []int64{}
	}
	return xs
}

func emptyIfNilFloat(xs []float64) []float64 {
	if xs == nil {
		return []float64{}
	}
	return xs
}
