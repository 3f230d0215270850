package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound = errors.New("patient not found")
	ErrEntryNotFound   = errors.New("queue entry not found")

	// ErrNumberTaken is the ledger-level uniqueness backstop: the
	// (appointment_date, queue_number) constraint rejected an insert.
	ErrNumberTaken = errors.New("queue number already taken for that date")
)

// Repository is the Queue Ledger: all DB interactions needed by the service.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	// Allocation. CountActiveEntries (status <> cancelled) gates capacity;
	// CountAllEntries covers every status and drives number assignment, since
	// cancelled entries keep their numbers.
	FindActiveEntryForPatient(ctx context.Context, patientID uuid.UUID, date string) (*Entry, error)
	CountActiveEntries(ctx context.Context, date string) (int, error)
	CountAllEntries(ctx context.Context, date string) (int, error)
	CountEntriesWithStatus(ctx context.Context, date string, status Status) (int, error)
	CreateEntry(ctx context.Context, patientID uuid.UUID, date string, queueNumber int, notes *string) (*Entry, error)

	// Lookup
	GetEntryByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	GetEntryDetail(ctx context.Context, id uuid.UUID) (*EntryDetail, error)
	FindInServiceEntry(ctx context.Context, date string) (*EntryDetail, error)
	FindWaitingEntries(ctx context.Context, date string) ([]EntryDetail, error)
	ListEntriesByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]Entry, error)
	ListEntriesByDate(ctx context.Context, date string) ([]EntryDetail, error)
	ListActiveEntriesByDate(ctx context.Context, date string) ([]EntryDetail, error)
	ListEntriesInRange(ctx context.Context, startDate, endDate string) ([]Entry, error)

	// Transitions. All status updates are compare-and-swap on the current
	// status so a stale caller loses with ErrEntryNotFound.
	MarkInService(ctx context.Context, id uuid.UUID, startedAt time.Time) (*Entry, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, completedAt time.Time, serviceMinutes int) (*Entry, error)
	UpdateEntryStatus(ctx context.Context, id uuid.UUID, from, to Status, notes *string) (*Entry, error)
	BulkEmergencyCancel(ctx context.Context, ids []uuid.UUID, note string) (int, error)
}
