package closure

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrClosureNotFound = errors.New("emergency closure not found")
	// ErrClosureActive means the date already has an active emergency closure.
	ErrClosureActive = errors.New("an active emergency closure already exists for that date")
)

// Closure is an admin-declared full-day emergency shutdown of the practice.
type Closure struct {
	ID               int64     `json:"id"`
	ClosureDate      string    `json:"closureDate"` // YYYY-MM-DD
	Reason           string    `json:"reason"`
	AffectedCount    int       `json:"affectedCount"`
	NotificationSent bool      `json:"notificationSent"`
	CreatedBy        uuid.UUID `json:"createdBy"`
	CreatorName      string    `json:"creatorName,omitempty"`
	IsActive         bool      `json:"isActive"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Registry is the queue engine's view of emergency closures.
type Registry interface {
	// ActiveForDate returns the active closure for a date, or ErrClosureNotFound.
	ActiveForDate(ctx context.Context, date string) (*Closure, error)
	Create(ctx context.Context, date, reason string, affectedCount int, createdBy uuid.UUID) (*Closure, error)
	Deactivate(ctx context.Context, id int64) (*Closure, error)
	List(ctx context.Context, onlyActive bool, limit, offset int) ([]Closure, error)
	// MarkNotified records that the affected patients have been notified.
	MarkNotified(ctx context.Context, id int64) error
}

type PgRegistry struct {
	pool *pgxpool.Pool
}

func NewPgRegistry(pool *pgxpool.Pool) *PgRegistry {
	return &PgRegistry{pool: pool}
}

func scanClosure(row pgx.Row) (*Closure, error) {
	var c Closure
	var creatorName *string

	err := row.Scan(
		&c.ID,
		&c.ClosureDate,
		&c.Reason,
		&c.AffectedCount,
		&c.NotificationSent,
		&c.CreatedBy,
		&creatorName,
		&c.IsActive,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClosureNotFound
		}
		return nil, err
	}

	if creatorName != nil {
		c.CreatorName = *creatorName
	}
	return &c, nil
}

const closureColumns = `
	ec.id, ec.closure_date::text, ec.reason, ec.affected_count, ec.notification_sent,
	ec.created_by, p.full_name, ec.is_active, ec.created_at, ec.updated_at
`

func (r *PgRegistry) ActiveForDate(ctx context.Context, date string) (*Closure, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+closureColumns+`
		FROM emergency_closures ec
		LEFT JOIN patients p ON p.id = ec.created_by
		WHERE ec.closure_date = $1::date AND ec.is_active = true
	`, date)
	return scanClosure(row)
}

func (r *PgRegistry) Create(ctx context.Context, date, reason string, affectedCount int, createdBy uuid.UUID) (*Closure, error) {
	row := r.pool.QueryRow(ctx, `
		WITH inserted AS (
			INSERT INTO emergency_closures
				(closure_date, reason, affected_count, notification_sent, created_by, is_active, created_at, updated_at)
			VALUES ($1::date, $2, $3, false, $4, true, now(), now())
			RETURNING *
		)
		SELECT `+closureColumns+`
		FROM inserted ec
		LEFT JOIN patients p ON p.id = ec.created_by
	`, date, reason, affectedCount, createdBy)

	c, err := scanClosure(row)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505: the partial unique index on active closure dates
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrClosureActive
		}
		return nil, err
	}
	return c, nil
}

func (r *PgRegistry) Deactivate(ctx context.Context, id int64) (*Closure, error) {
	row := r.pool.QueryRow(ctx, `
		WITH updated AS (
			UPDATE emergency_closures
			SET is_active = false,
			    updated_at = now()
			WHERE id = $1
			RETURNING *
		)
		SELECT `+closureColumns+`
		FROM updated ec
		LEFT JOIN patients p ON p.id = ec.created_by
	`, id)
	return scanClosure(row)
}

func (r *PgRegistry) List(ctx context.Context, onlyActive bool, limit, offset int) ([]Closure, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+closureColumns+`
		FROM emergency_closures ec
		LEFT JOIN patients p ON p.id = ec.created_by
		WHERE ($1 = false OR ec.is_active = true)
		ORDER BY ec.created_at DESC
		LIMIT $2 OFFSET $3
	`, onlyActive, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Closure
	for rows.Next() {
		c, err := scanClosure(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}

	return result, rows.Err()
}

// MarkNotified records that affected patients have been notified.
func (r *PgRegistry) MarkNotified(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE emergency_closures
		SET notification_sent = true,
		    updated_at = now()
		WHERE id = $1
	`, id)
	return err
}
