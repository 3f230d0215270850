package settings

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured means no active practice settings row exists. This is a
	// fatal misconfiguration, not something a booking caller can correct.
	ErrNotConfigured = errors.New("no active practice settings configured")
)

// OperatingHours is a wall-clock window in "HH:MM" form.
type OperatingHours struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Practice is the active clinic configuration. Read-only to the queue engine.
type Practice struct {
	ID             uuid.UUID      `json:"id"`
	DoctorName     string         `json:"doctorName"`
	PracticeName   string         `json:"practiceName"`
	OperatingDays  []int          `json:"operatingDays"` // 0=Sunday .. 6=Saturday
	OperatingHours OperatingHours `json:"operatingHours"`
	MaxSlotsPerDay int            `json:"maxSlotsPerDay"`
	AllowWalkIn    bool           `json:"allowWalkIn"`
	// CancellationDeadlineMinutes is carried for admin display only; the
	// same-day cancellation cutoff is governed by OperatingHours.Start.
	CancellationDeadlineMinutes int       `json:"cancellationDeadlineMinutes"`
	IsActive                    bool      `json:"isActive"`
	CreatedAt                   time.Time `json:"createdAt"`
	UpdatedAt                   time.Time `json:"updatedAt"`
}

// IsOperatingDay reports whether the given weekday (0=Sunday) is configured.
func (p *Practice) IsOperatingDay(weekday int) bool {
	for _, d := range p.OperatingDays {
		if d == weekday {
			return true
		}
	}
	return false
}

// OperatingDayNames renders the configured days as weekday names.
func (p *Practice) OperatingDayNames() []string {
	names := make([]string, 0, len(p.OperatingDays))
	for _, d := range p.OperatingDays {
		if d >= 0 && d <= 6 {
			names = append(names, time.Weekday(d).String())
		}
	}
	return names
}

// Provider exposes the active practice configuration.
type Provider interface {
	Active(ctx context.Context) (*Practice, error)
}

type PgProvider struct {
	pool *pgxpool.Pool
}

func NewPgProvider(pool *pgxpool.Pool) *PgProvider {
	return &PgProvider{pool: pool}
}

func (p *PgProvider) Active(ctx context.Context) (*Practice, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, doctor_name, practice_name, operating_days, operating_hours,
		       max_slots_per_day, allow_walk_in, cancellation_deadline_minutes,
		       is_active, created_at, updated_at
		FROM practice_settings
		WHERE is_active = true
		ORDER BY updated_at DESC
		LIMIT 1
	`)

	var s Practice
	err := row.Scan(
		&s.ID,
		&s.DoctorName,
		&s.PracticeName,
		&s.OperatingDays,
		&s.OperatingHours,
		&s.MaxSlotsPerDay,
		&s.AllowWalkIn,
		&s.CancellationDeadlineMinutes,
		&s.IsActive,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotConfigured
		}
		return nil, err
	}

	return &s, nil
}
