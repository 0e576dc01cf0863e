package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/mindgauge/backend/internal/domain"
)

// Constraint names the schema declares. Unique violations are mapped to
// the domain conflict the caller expects.
const (
	constraintUserEmail     = "users_email_key"
	constraintActiveSession = "sessions_one_active_idx"
	constraintResponseItem  = "responses_session_item_key"
)

const uniqueViolation = "23505"

// Postgres is the production store, backed by database/sql with the pq
// driver.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenPostgres connects, tunes the pool, and verifies connectivity.
func OpenPostgres(ctx context.Context, url string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("store: opening postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: pinging postgres: %w", err)
	}

	logger.Info("[Store] connected to postgres")
	return &Postgres{db: db, logger: logger}, nil
}

// NewPostgres wraps an existing handle. Tests hand in a mock here.
func NewPostgres(db *sql.DB, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, logger: logger}
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return domain.Internal(err)
	}
	return nil
}

// translate maps driver failures onto the domain taxonomy. sql.ErrNoRows
// is handled at the query sites, where the right message key is known.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		switch pqErr.Constraint {
		case constraintUserEmail:
			return domain.Conflict(domain.KeyEmailTaken, "email already registered")
		case constraintActiveSession:
			return domain.Conflict(domain.KeySessionInProgress, "a test is already in progress")
		case constraintResponseItem:
			return domain.Conflict(domain.KeyDuplicateAnswer, "answer already submitted")
		default:
			return domain.Conflict(domain.KeyConflict, "duplicate record")
		}
	}
	return domain.Internal(err)
}

func notFound(err error, key, detail string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFoundErr(key, detail)
	}
	return translate(err)
}

func (p *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			p.logger.Error("[Store] rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return translate(err)
	}
	return nil
}

// jsonb marshals a value for a JSONB column.
func jsonb(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, domain.Internal(fmt.Errorf("store: marshaling jsonb: %w", err))
	}
	return data, nil
}

func scanJSON(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return domain.Internal(fmt.Errorf("store: unmarshaling jsonb: %w", err))
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func nullInt(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

func intPtr(i sql.NullInt64) *int64 {
	if !i.Valid {
		return nil
	}
	v := i.Int64
	return &v
}
