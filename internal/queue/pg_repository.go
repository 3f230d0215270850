package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	db pgxDB
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{db: pool}
}

func newPgRepositoryWithDB(db pgxDB) *PgRepository {
	return &PgRepository{db: db}
}

const entryColumns = `
	q.id, q.patient_id, q.appointment_date::text, q.queue_number, q.status,
	q.service_started_at, q.service_completed_at, q.actual_service_minutes,
	q.notes, q.created_at, q.updated_at
`

const entryDetailColumns = entryColumns + `,
	p.id, p.full_name, p.phone_number, p.created_at, p.updated_at
`

// Helpers

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry

	err := row.Scan(
		&e.ID,
		&e.PatientID,
		&e.AppointmentDate,
		&e.QueueNumber,
		&e.Status,
		&e.ServiceStartedAt,
		&e.ServiceCompletedAt,
		&e.ActualServiceMinutes,
		&e.Notes,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}

	return &e, nil
}

func scanEntryDetail(row pgx.Row) (*EntryDetail, error) {
	var d EntryDetail
	var p Patient

	err := row.Scan(
		&d.ID,
		&d.PatientID,
		&d.AppointmentDate,
		&d.QueueNumber,
		&d.Status,
		&d.ServiceStartedAt,
		&d.ServiceCompletedAt,
		&d.ActualServiceMinutes,
		&d.Notes,
		&d.CreatedAt,
		&d.UpdatedAt,
		&p.ID,
		&p.FullName,
		&p.PhoneNumber,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}

	d.Patient = &p
	return &d, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.FullName,
		&p.PhoneNumber,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	return &p, nil
}

func (r *PgRepository) collectDetails(rows pgx.Rows) ([]EntryDetail, error) {
	defer rows.Close()

	var result []EntryDetail
	for rows.Next() {
		d, err := scanEntryDetail(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}

	return result, rows.Err()
}

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, full_name, phone_number, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) FindActiveEntryForPatient(ctx context.Context, patientID uuid.UUID, date string) (*Entry, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries q
		WHERE q.patient_id = $1
		  AND q.appointment_date = $2::date
		  AND q.status <> 'cancelled'
	`, patientID, date)
	return scanEntry(row)
}

func (r *PgRepository) CountActiveEntries(ctx context.Context, date string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT count(*)
		FROM queue_entries
		WHERE appointment_date = $1::date
		  AND status <> 'cancelled'
	`, date).Scan(&count)
	return count, err
}

func (r *PgRepository) CountAllEntries(ctx context.Context, date string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT count(*)
		FROM queue_entries
		WHERE appointment_date = $1::date
	`, date).Scan(&count)
	return count, err
}

func (r *PgRepository) CountEntriesWithStatus(ctx context.Context, date string, status Status) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT count(*)
		FROM queue_entries
		WHERE appointment_date = $1::date
		  AND status = $2
	`, date, status).Scan(&count)
	return count, err
}

func (r *PgRepository) CreateEntry(ctx context.Context, patientID uuid.UUID, date string, queueNumber int, notes *string) (*Entry, error) {
	id := uuid.New()

	row := r.db.QueryRow(ctx, `
		INSERT INTO queue_entries
			(id, patient_id, appointment_date, queue_number, status, notes, created_at, updated_at)
		VALUES ($1, $2, $3::date, $4, 'waiting', $5, now(), now())
		RETURNING id, patient_id, appointment_date::text, queue_number, status,
		          service_started_at, service_completed_at, actual_service_minutes,
		          notes, created_at, updated_at
	`, id, patientID, date, queueNumber, notes)

	e, err := scanEntry(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrNumberTaken
		}
		return nil, err
	}
	return e, nil
}

func (r *PgRepository) GetEntryByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries q
		WHERE q.id = $1
	`, id)
	return scanEntry(row)
}

func (r *PgRepository) GetEntryDetail(ctx context.Context, id uuid.UUID) (*EntryDetail, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+entryDetailColumns+`
		FROM queue_entries q
		JOIN patients p ON p.id = q.patient_id
		WHERE q.id = $1
	`, id)
	return scanEntryDetail(row)
}

func (r *PgRepository) FindInServiceEntry(ctx context.Context, date string) (*EntryDetail, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+entryDetailColumns+`
		FROM queue_entries q
		JOIN patients p ON p.id = q.patient_id
		WHERE q.appointment_date = $1::date
		  AND q.status = 'in_service'
	`, date)
	return scanEntryDetail(row)
}

func (r *PgRepository) FindWaitingEntries(ctx context.Context, date string) ([]EntryDetail, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+entryDetailColumns+`
		FROM queue_entries q
		JOIN patients p ON p.id = q.patient_id
		WHERE q.appointment_date = $1::date
		  AND q.status = 'waiting'
		ORDER BY q.queue_number ASC
	`, date)
	if err != nil {
		return nil, err
	}
	return r.collectDetails(rows)
}

func (r *PgRepository) ListEntriesByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]Entry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries q
		WHERE q.patient_id = $1
		ORDER BY q.appointment_date DESC, q.queue_number DESC
		LIMIT $2
	`, patientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}

	return result, rows.Err()
}

func (r *PgRepository) ListEntriesByDate(ctx context.Context, date string) ([]EntryDetail, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+entryDetailColumns+`
		FROM queue_entries q
		JOIN patients p ON p.id = q.patient_id
		WHERE q.appointment_date = $1::date
		ORDER BY q.queue_number ASC
	`, date)
	if err != nil {
		return nil, err
	}
	return r.collectDetails(rows)
}

func (r *PgRepository) ListActiveEntriesByDate(ctx context.Context, date string) ([]EntryDetail, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+entryDetailColumns+`
		FROM queue_entries q
		JOIN patients p ON p.id = q.patient_id
		WHERE q.appointment_date = $1::date
		  AND q.status IN ('waiting', 'in_service')
		ORDER BY q.queue_number ASC
	`, date)
	if err != nil {
		return nil, err
	}
	return r.collectDetails(rows)
}

func (r *PgRepository) ListEntriesInRange(ctx context.Context, startDate, endDate string) ([]Entry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries q
		WHERE q.appointment_date BETWEEN $1::date AND $2::date
		ORDER BY q.appointment_date ASC, q.queue_number ASC
	`, startDate, endDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}

	return result, rows.Err()
}

func (r *PgRepository) MarkInService(ctx context.Context, id uuid.UUID, startedAt time.Time) (*Entry, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE queue_entries q
		SET status = 'in_service',
		    service_started_at = $2,
		    updated_at = now()
		WHERE q.id = $1
		  AND q.status = 'waiting'
		RETURNING `+entryColumns+`
	`, id, startedAt)
	return scanEntry(row)
}

func (r *PgRepository) MarkCompleted(ctx context.Context, id uuid.UUID, completedAt time.Time, serviceMinutes int) (*Entry, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE queue_entries q
		SET status = 'completed',
		    service_completed_at = $2,
		    actual_service_minutes = $3,
		    updated_at = now()
		WHERE q.id = $1
		  AND q.status = 'in_service'
		RETURNING `+entryColumns+`
	`, id, completedAt, serviceMinutes)
	return scanEntry(row)
}

func (r *PgRepository) UpdateEntryStatus(ctx context.Context, id uuid.UUID, from, to Status, notes *string) (*Entry, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE queue_entries q
		SET status = $3,
		    notes = COALESCE($4, q.notes),
		    updated_at = now()
		WHERE q.id = $1
		  AND q.status = $2
		RETURNING `+entryColumns+`
	`, id, from, to, notes)
	return scanEntry(row)
}

func (r *PgRepository) BulkEmergencyCancel(ctx context.Context, ids []uuid.UUID, note string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE queue_entries
		SET status = 'emergency_cancelled',
		    notes = $2,
		    updated_at = now()
		WHERE id = ANY($1)
		  AND status IN ('waiting', 'in_service')
	`, ids, note)
	if err != nil {
		return 0, err
	}

	return int(tag.RowsAffected()), nil
}
