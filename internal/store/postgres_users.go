package store

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/mindgauge/backend/internal/domain"
)

const userColumns = `id, email, password_hash, first_name, last_name, birth_year,
education_level, country, region, token_revoked_before, push_token, push_enabled, created_at`

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	var u domain.User
	var revoked sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName,
		&u.BirthYear, &u.EducationLevel, &u.Country, &u.Region, &revoked,
		&u.PushToken, &u.PushEnabled, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.TokenRevokedBefore = timePtr(revoked)
	return &u, nil
}

func (p *Postgres) CreateUser(ctx context.Context, u *domain.User) error {
	u.Email = foldEmail(u.Email)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO users (email, password_hash, first_name, last_name, birth_year,
		                   education_level, country, region, push_token, push_enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		u.Email, u.PasswordHash, u.FirstName, u.LastName, u.BirthYear,
		u.EducationLevel, u.Country, u.Region, u.PushToken, u.PushEnabled, u.CreatedAt,
	).Scan(&u.ID)
	return translate(err)
}

func (p *Postgres) UserByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, foldEmail(email))
	u, err := scanUser(row)
	if err != nil {
		return nil, notFound(err, domain.KeyNotFound, "user not found")
	}
	return u, nil
}

func (p *Postgres) UserByID(ctx context.Context, id int64) (*domain.User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, notFound(err, domain.KeyNotFound, "user not found")
	}
	return u, nil
}

func (p *Postgres) UpdatePassword(ctx context.Context, userID int64, hash string) error {
	return p.execOnUser(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, userID, hash)
}

// AdvanceRevocation moves the revocation epoch forward, never backward.
func (p *Postgres) AdvanceRevocation(ctx context.Context, userID int64, at time.Time) error {
	return p.execOnUser(ctx, `
		UPDATE users
		SET token_revoked_before = GREATEST(COALESCE(token_revoked_before, 'epoch'::timestamptz), $2)
		WHERE id = $1`, userID, at)
}

func (p *Postgres) SetPushToken(ctx context.Context, userID int64, token string, enabled bool) error {
	return p.execOnUser(ctx, `UPDATE users SET push_token = $2, push_enabled = $3 WHERE id = $1`,
		userID, token, enabled)
}

func (p *Postgres) execOnUser(ctx context.Context, query string, userID int64, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, append([]any{userID}, args...)...)
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return translate(err)
	}
	if n == 0 {
		return domain.NotFoundErr(domain.KeyNotFound, "user not found")
	}
	return nil
}

// ---- password reset tokens ----

// CreateResetToken invalidates the user's unused tokens and inserts the
// new one in a single transaction.
func (p *Postgres) CreateResetToken(ctx context.Context, t *domain.PasswordResetToken) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE password_reset_tokens SET used_at = $2
			WHERE user_id = $1 AND used_at IS NULL`, t.UserID, now); err != nil {
			return translate(err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO password_reset_tokens (token, user_id, expires_at, created_at)
			VALUES ($1, $2, $3, $4)`,
			t.Token, t.UserID, t.ExpiresAt, t.CreatedAt); err != nil {
			return translate(err)
		}
		return nil
	})
}

func (p *Postgres) ResetTokenByValue(ctx context.Context, token string) (*domain.PasswordResetToken, error) {
	var t domain.PasswordResetToken
	var usedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT token, user_id, expires_at, used_at, created_at
		FROM password_reset_tokens WHERE token = $1`, token,
	).Scan(&t.Token, &t.UserID, &t.ExpiresAt, &usedAt, &t.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.Validation(domain.KeyResetTokenInvalid, "invalid or expired token")
		}
		return nil, translate(err)
	}
	// Re-verify the match in constant time before trusting it.
	if subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) != 1 {
		return nil, domain.Validation(domain.KeyResetTokenInvalid, "invalid or expired token")
	}
	t.UsedAt = timePtr(usedAt)
	return &t, nil
}

func (p *Postgres) MarkResetTokenUsed(ctx context.Context, token string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE password_reset_tokens SET used_at = $2 WHERE token = $1`, token, at)
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return translate(err)
	}
	if n == 0 {
		return domain.Validation(domain.KeyResetTokenInvalid, "invalid or expired token")
	}
	return nil
}

// ---- security events ----

func (p *Postgres) AppendSecurityEvent(ctx context.Context, e *domain.SecurityEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO security_events (event, user_id, email, ip, request_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		e.Event, nullInt(e.UserID), e.Email, e.IP, e.RequestID, e.Detail, e.CreatedAt,
	).Scan(&e.ID)
	return translate(err)
}

func (p *Postgres) SecurityEventsSince(ctx context.Context, names []string, since time.Time) ([]*domain.SecurityEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, event, user_id, email, ip, request_id, detail, created_at
		FROM security_events
		WHERE event = ANY($1) AND created_at >= $2
		ORDER BY created_at, id`, pq.Array(names), since)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []*domain.SecurityEvent
	for rows.Next() {
		var e domain.SecurityEvent
		var userID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.Event, &userID, &e.Email, &e.IP,
			&e.RequestID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, translate(err)
		}
		e.UserID = intPtr(userID)
		out = append(out, &e)
	}
	return out, translate(rows.Err())
}
