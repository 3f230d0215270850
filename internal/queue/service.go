package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinicware/clinic-queue/internal/closure"
	"github.com/clinicware/clinic-queue/internal/events"
	redisclient "github.com/clinicware/clinic-queue/internal/redis"
	"github.com/clinicware/clinic-queue/internal/settings"
)

var (
	ErrInvalidDate    = errors.New("invalid date, expected YYYY-MM-DD")
	ErrInvalidStatus  = errors.New("invalid queue status")
	ErrReasonRequired = errors.New("closure reason is required")

	ErrDuplicateBooking = errors.New("patient already has a queue entry for that date")
	ErrCapacityExceeded = errors.New("no slots remaining for that date")

	ErrInvalidTransition        = errors.New("status change not allowed from current state")
	ErrAlreadyInService         = errors.New("a patient is already being served")
	ErrNoWaitingEntries         = errors.New("no waiting queue entries")
	ErrPastCancellationDeadline = errors.New("queue entry can no longer be cancelled today")

	// ErrDateContended means the per-date critical section could not be
	// entered within the lock wait. Safe for the caller to retry.
	ErrDateContended = errors.New("date is busy with other bookings, please retry")
)

// Service is the queue allocation and lifecycle engine. Bookings, call-next
// and emergency bulk cancellation for one date are linearized through the
// per-date locker; the (appointment_date, queue_number) unique constraint in
// the ledger backstops the numbering invariant.
type Service struct {
	repo     Repository
	settings settings.Provider
	closures closure.Registry
	locker   redisclient.Locker
	sink     events.Sink

	loc *time.Location
	now func() time.Time
}

func NewService(repo Repository, provider settings.Provider, registry closure.Registry, locker redisclient.Locker, sink events.Sink, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Service{
		repo:     repo,
		settings: provider,
		closures: registry,
		locker:   locker,
		sink:     sink,
		loc:      loc,
		now:      time.Now,
	}
}

// today returns the current calendar date in the clinic timezone.
func (s *Service) today() string {
	return s.now().In(s.loc).Format(dateLayout)
}

// Availability is the three-way outcome of checking a date: closed for an
// emergency, closed because the weekday is not operated, or open with counts.
type Availability struct {
	Date              string                   `json:"date"`
	IsOperatingDay    bool                     `json:"isOperatingDay"`
	IsEmergencyClosed bool                     `json:"isEmergencyClosure"`
	Closure           *closure.Closure         `json:"emergencyClosure,omitempty"`
	DayName           string                   `json:"dayOfWeek,omitempty"`
	OperatingDays     []int                    `json:"operatingDays"`
	OperatingDayNames []string                 `json:"operatingDayNames,omitempty"`
	OperatingHours    settings.OperatingHours  `json:"operatingHours"`
	MaxSlots          int                      `json:"maxSlots"`
	TotalBooked       int                      `json:"totalBooked"`
	AvailableSlots    int                      `json:"availableSlots"`
	Message           string                   `json:"message,omitempty"`
}

// CheckAvailability reports booking availability for a date. The emergency
// closure check takes precedence over the operating-day check: a date closed
// for an emergency is reported as such even on a non-operating weekday.
func (s *Service) CheckAvailability(ctx context.Context, rawDate string) (*Availability, error) {
	date, err := ParseDate(rawDate)
	if err != nil {
		return nil, err
	}

	cfg, err := s.settings.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("load practice settings: %w", err)
	}

	out := &Availability{
		Date:           date,
		OperatingDays:  cfg.OperatingDays,
		OperatingHours: cfg.OperatingHours,
		MaxSlots:       cfg.MaxSlotsPerDay,
	}

	cl, err := s.closures.ActiveForDate(ctx, date)
	if err != nil && !errors.Is(err, closure.ErrClosureNotFound) {
		return nil, fmt.Errorf("check emergency closure: %w", err)
	}
	if cl != nil {
		cancelled, err := s.repo.CountEntriesWithStatus(ctx, date, StatusEmergencyCancelled)
		if err != nil {
			return nil, fmt.Errorf("count emergency cancelled entries: %w", err)
		}
		cl.AffectedCount = cancelled

		// TotalBooked stays zero here: the day's entries are bulk-cancelled,
		// and their count travels on the closure as AffectedCount.
		out.IsOperatingDay = true
		out.IsEmergencyClosed = true
		out.Closure = cl
		out.Message = fmt.Sprintf("Practice closed due to emergency: %s", cl.Reason)
		return out, nil
	}

	weekday := mustWeekday(date)
	if !cfg.IsOperatingDay(weekday) {
		out.DayName = time.Weekday(weekday).String()
		out.OperatingDayNames = cfg.OperatingDayNames()
		out.Message = fmt.Sprintf(
			"Practice does not operate on %s. Operating days: %s",
			out.DayName, strings.Join(out.OperatingDayNames, ", "),
		)
		return out, nil
	}

	booked, err := s.repo.CountActiveEntries(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("count booked entries: %w", err)
	}

	out.IsOperatingDay = true
	out.TotalBooked = booked
	out.AvailableSlots = max(0, cfg.MaxSlotsPerDay-booked)
	return out, nil
}

// Book reserves the next queue number for a patient on a date.
// The duplicate check, capacity re-check and count-then-assign step all run
// inside the per-date lock so concurrent bookings for the same date can never
// share a number or double-book a patient.
func (s *Service) Book(ctx context.Context, rawDate string, patientID uuid.UUID, notes *string) (*EntryDetail, error) {
	return s.book(ctx, rawDate, patientID, notes, nil)
}

// BookForPatient is the admin-on-behalf booking path. The contract matches
// Book; the acting admin is stamped into the activity metadata and a default
// note records the manual creation.
func (s *Service) BookForPatient(ctx context.Context, rawDate string, patientID uuid.UUID, notes *string, actingAdminID uuid.UUID) (*EntryDetail, error) {
	patient, err := s.repo.GetPatientByID(ctx, patientID)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	if notes == nil {
		note := fmt.Sprintf("Queue entry created manually by admin for %s", patient.FullName)
		notes = &note
	}

	return s.book(ctx, rawDate, patientID, notes, &actingAdminID)
}

func (s *Service) book(ctx context.Context, rawDate string, patientID uuid.UUID, notes *string, actingAdminID *uuid.UUID) (*EntryDetail, error) {
	date, err := ParseDate(rawDate)
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.GetPatientByID(ctx, patientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	cfg, err := s.settings.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("load practice settings: %w", err)
	}

	var created *Entry

	err = s.locker.WithDateLock(ctx, date, func(lockCtx context.Context) error {
		// The duplicate check must sit inside the lock: two simultaneous
		// bookings by the same patient would otherwise both pass it.
		existing, err := s.repo.FindActiveEntryForPatient(lockCtx, patientID, date)
		if err != nil && !errors.Is(err, ErrEntryNotFound) {
			return fmt.Errorf("check existing entry: %w", err)
		}
		if existing != nil {
			return ErrDuplicateBooking
		}

		active, err := s.repo.CountActiveEntries(lockCtx, date)
		if err != nil {
			return fmt.Errorf("count booked entries: %w", err)
		}
		if active >= cfg.MaxSlotsPerDay {
			return ErrCapacityExceeded
		}

		// Cancelled entries keep their numbers, so the next number comes from
		// the total entry count, not the active one.
		total, err := s.repo.CountAllEntries(lockCtx, date)
		if err != nil {
			return fmt.Errorf("count all entries: %w", err)
		}

		entry, err := s.repo.CreateEntry(lockCtx, patientID, date, total+1, notes)
		if err != nil {
			if errors.Is(err, ErrNumberTaken) {
				// Should not happen under the lock; surface as retryable.
				return ErrDateContended
			}
			return fmt.Errorf("create queue entry: %w", err)
		}

		created = entry
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrDateContended
		}
		return nil, err
	}

	detail, err := s.repo.GetEntryDetail(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("load created entry: %w", err)
	}

	s.recordBookingActivity(ctx, detail, actingAdminID)

	return detail, nil
}

func (s *Service) recordBookingActivity(ctx context.Context, d *EntryDetail, actingAdminID *uuid.UUID) {
	meta := map[string]any{
		"queueNumber":     d.QueueNumber,
		"appointmentDate": d.AppointmentDate,
		"patientName":     d.Patient.FullName,
	}

	title := "Queue entry created"
	description := fmt.Sprintf("%s booked queue number %d for %s",
		d.Patient.FullName, d.QueueNumber, d.AppointmentDate)

	if actingAdminID != nil {
		title = "Queue entry created by admin"
		description = fmt.Sprintf("Admin booked queue number %d for %s on %s",
			d.QueueNumber, d.Patient.FullName, d.AppointmentDate)
		meta["createdByAdmin"] = true
		meta["adminId"] = actingAdminID.String()
	}

	patientID := d.PatientID
	entryID := d.ID
	s.sink.RecordActivity(ctx, events.Activity{
		Type:        events.ActivityQueueCreated,
		Title:       title,
		Description: description,
		PatientID:   &patientID,
		EntryID:     &entryID,
		Metadata:    meta,
	})
}

// MyEntries returns a patient's queue entries, most recent first.
func (s *Service) MyEntries(ctx context.Context, patientID uuid.UUID) ([]Entry, error) {
	entries, err := s.repo.ListEntriesByPatient(ctx, patientID, 20)
	if err != nil {
		return nil, fmt.Errorf("list entries by patient: %w", err)
	}
	return entries, nil
}

// CurrentState is the in-service entry (if any) plus the ordered waiting list.
type CurrentState struct {
	Date         string        `json:"date"`
	InService    *EntryDetail  `json:"currentEntry"`
	Waiting      []EntryDetail `json:"waitingEntries"`
	TotalWaiting int           `json:"totalWaiting"`
}

func (s *Service) CurrentState(ctx context.Context, rawDate string) (*CurrentState, error) {
	date, err := ParseDate(rawDate)
	if err != nil {
		return nil, err
	}

	current, err := s.repo.FindInServiceEntry(ctx, date)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return nil, fmt.Errorf("find in-service entry: %w", err)
	}

	waiting, err := s.repo.FindWaitingEntries(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("list waiting entries: %w", err)
	}

	return &CurrentState{
		Date:         date,
		InService:    current,
		Waiting:      waiting,
		TotalWaiting: len(waiting),
	}, nil
}

// DaySheet is all entries for a date with their status summary.
type DaySheet struct {
	Date    string        `json:"date"`
	Entries []EntryDetail `json:"entries"`
	Stats   StatusCounts  `json:"stats"`
}

func (s *Service) EntriesByDate(ctx context.Context, rawDate string) (*DaySheet, error) {
	date, err := ParseDate(rawDate)
	if err != nil {
		return nil, err
	}

	entries, err := s.repo.ListEntriesByDate(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("list entries by date: %w", err)
	}

	sheet := &DaySheet{Date: date, Entries: entries}
	for _, e := range entries {
		sheet.Stats.add(e.Status)
	}

	return sheet, nil
}

// mustWeekday assumes date has passed ParseDate.
func mustWeekday(date string) int {
	t, _ := time.Parse(dateLayout, date)
	return int(t.Weekday())
}
