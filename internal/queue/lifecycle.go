package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinicware/clinic-queue/internal/closure"
	"github.com/clinicware/clinic-queue/internal/events"
	redisclient "github.com/clinicware/clinic-queue/internal/redis"
)

// CallNext promotes the waiting entry with the smallest queue number for a
// date into service. Serialized per date with booking so two concurrent calls
// cannot both succeed: the second observes the first's in_service row.
func (s *Service) CallNext(ctx context.Context, rawDate string) (*EntryDetail, error) {
	date, err := ParseDate(rawDate)
	if err != nil {
		return nil, err
	}

	var called *EntryDetail

	err = s.locker.WithDateLock(ctx, date, func(lockCtx context.Context) error {
		current, err := s.repo.FindInServiceEntry(lockCtx, date)
		if err != nil && !errors.Is(err, ErrEntryNotFound) {
			return fmt.Errorf("find in-service entry: %w", err)
		}
		if current != nil {
			return ErrAlreadyInService
		}

		waiting, err := s.repo.FindWaitingEntries(lockCtx, date)
		if err != nil {
			return fmt.Errorf("list waiting entries: %w", err)
		}
		if len(waiting) == 0 {
			return ErrNoWaitingEntries
		}

		next := waiting[0]
		if _, err := s.repo.MarkInService(lockCtx, next.ID, s.now()); err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				// CAS lost: the entry left waiting between read and write.
				return ErrNoWaitingEntries
			}
			return fmt.Errorf("mark in service: %w", err)
		}

		called = &next
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrDateContended
		}
		return nil, err
	}

	detail, err := s.repo.GetEntryDetail(ctx, called.ID)
	if err != nil {
		return nil, fmt.Errorf("load called entry: %w", err)
	}

	patientID := detail.PatientID
	entryID := detail.ID
	s.sink.RecordActivity(ctx, events.Activity{
		Type:        events.ActivityQueueCalled,
		Title:       "Queue entry called",
		Description: fmt.Sprintf("%s (number %d) called for service", detail.Patient.FullName, detail.QueueNumber),
		PatientID:   &patientID,
		EntryID:     &entryID,
		Metadata: map[string]any{
			"queueNumber":    detail.QueueNumber,
			"patientName":    detail.Patient.FullName,
			"previousStatus": string(StatusWaiting),
			"newStatus":      string(StatusInService),
		},
	})
	s.sink.Broadcast(ctx, "queue_called", map[string]any{
		"entryId":     detail.ID,
		"queueNumber": detail.QueueNumber,
		"patientName": detail.Patient.FullName,
		"date":        detail.AppointmentDate,
	})

	return detail, nil
}

// serviceMinutes is the whole-minute duration between start and end.
func serviceMinutes(start, end time.Time) int {
	return int(math.Round(end.Sub(start).Minutes()))
}

// Complete finishes the in-service entry, recording the completion timestamp
// and the actual service duration in whole minutes.
func (s *Service) Complete(ctx context.Context, entryID uuid.UUID) (*EntryDetail, error) {
	entry, err := s.repo.GetEntryByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status != StatusInService || entry.ServiceStartedAt == nil {
		return nil, ErrInvalidTransition
	}

	completedAt := s.now()
	minutes := serviceMinutes(*entry.ServiceStartedAt, completedAt)

	if _, err := s.repo.MarkCompleted(ctx, entryID, completedAt, minutes); err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil, ErrInvalidTransition
		}
		return nil, fmt.Errorf("mark completed: %w", err)
	}

	detail, err := s.repo.GetEntryDetail(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("load completed entry: %w", err)
	}

	patientID := detail.PatientID
	id := detail.ID
	s.sink.RecordActivity(ctx, events.Activity{
		Type:        events.ActivityQueueCompleted,
		Title:       "Queue entry completed",
		Description: fmt.Sprintf("%s (number %d) finished service", detail.Patient.FullName, detail.QueueNumber),
		PatientID:   &patientID,
		EntryID:     &id,
		Metadata: map[string]any{
			"queueNumber":    detail.QueueNumber,
			"patientName":    detail.Patient.FullName,
			"previousStatus": string(StatusInService),
			"newStatus":      string(StatusCompleted),
			"serviceMinutes": minutes,
		},
	})
	s.sink.Broadcast(ctx, "queue_completed", map[string]any{
		"entryId":     detail.ID,
		"queueNumber": detail.QueueNumber,
		"patientName": detail.Patient.FullName,
		"date":        detail.AppointmentDate,
	})

	return detail, nil
}

// Actor identifies who is performing a cancellation.
type Actor struct {
	ID    uuid.UUID
	Admin bool
}

// Cancel moves a waiting entry to cancelled. Patient actors must own the
// entry and may not cancel a same-day entry once the configured operating
// hours have started.
func (s *Service) Cancel(ctx context.Context, entryID uuid.UUID, actor Actor) (*Entry, error) {
	entry, err := s.repo.GetEntryByID(ctx, entryID)
	if err != nil {
		return nil, err
	}

	if !actor.Admin {
		if entry.PatientID != actor.ID {
			return nil, ErrEntryNotFound
		}
		if entry.Status == StatusWaiting && entry.AppointmentDate == s.today() && s.pastOperatingStart(ctx) {
			return nil, ErrPastCancellationDeadline
		}
	}

	if entry.Status != StatusWaiting {
		return nil, ErrInvalidTransition
	}

	updated, err := s.repo.UpdateEntryStatus(ctx, entryID, StatusWaiting, StatusCancelled, nil)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil, ErrInvalidTransition
		}
		return nil, fmt.Errorf("cancel entry: %w", err)
	}

	patientID := updated.PatientID
	id := updated.ID
	s.sink.RecordActivity(ctx, events.Activity{
		Type:        events.ActivityQueueCancelled,
		Title:       "Queue entry cancelled",
		Description: fmt.Sprintf("Queue number %d on %s cancelled", updated.QueueNumber, updated.AppointmentDate),
		PatientID:   &patientID,
		EntryID:     &id,
		Metadata: map[string]any{
			"queueNumber":    updated.QueueNumber,
			"previousStatus": string(StatusWaiting),
			"newStatus":      string(StatusCancelled),
			"cancelledBy":    actor.ID.String(),
			"byAdmin":        actor.Admin,
		},
	})

	return updated, nil
}

// pastOperatingStart reports whether the clinic-local wall clock has passed
// the configured operating-hours start. On any settings problem cancellation
// stays allowed.
func (s *Service) pastOperatingStart(ctx context.Context) bool {
	cfg, err := s.settings.Active(ctx)
	if err != nil {
		return false
	}

	parts := strings.SplitN(cfg.OperatingHours.Start, ":", 2)
	if len(parts) != 2 {
		return false
	}
	hour, err1 := strconv.Atoi(parts[0])
	minute, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return false
	}

	now := s.now().In(s.loc)
	return now.Hour()*60+now.Minute() >= hour*60+minute
}

var setStatusActivity = map[Status]struct {
	activityType string
	title        string
}{
	StatusCompleted: {events.ActivityQueueCompleted, "Queue entry completed"},
	StatusCancelled: {events.ActivityQueueCancelled, "Queue entry cancelled"},
	StatusNoShow:    {events.ActivityQueueNoShow, "Patient did not show up"},
}

// SetStatus is the admin direct transition: waiting or in_service entries may
// be moved to completed, cancelled or no_show. Terminal entries never change.
func (s *Service) SetStatus(ctx context.Context, entryID uuid.UUID, target Status, notes *string) (*EntryDetail, error) {
	if _, ok := setStatusActivity[target]; !ok {
		return nil, ErrInvalidStatus
	}

	entry, err := s.repo.GetEntryByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status.Terminal() || entry.Status == target {
		return nil, ErrInvalidTransition
	}

	previous := entry.Status

	if target == StatusCompleted && previous == StatusInService && entry.ServiceStartedAt != nil {
		completedAt := s.now()
		if _, err := s.repo.MarkCompleted(ctx, entryID, completedAt, serviceMinutes(*entry.ServiceStartedAt, completedAt)); err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				return nil, ErrInvalidTransition
			}
			return nil, fmt.Errorf("mark completed: %w", err)
		}
		if notes != nil {
			if _, err := s.repo.UpdateEntryStatus(ctx, entryID, StatusCompleted, StatusCompleted, notes); err != nil {
				return nil, fmt.Errorf("update notes: %w", err)
			}
		}
	} else {
		if _, err := s.repo.UpdateEntryStatus(ctx, entryID, previous, target, notes); err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				return nil, ErrInvalidTransition
			}
			return nil, fmt.Errorf("update entry status: %w", err)
		}
	}

	detail, err := s.repo.GetEntryDetail(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("load updated entry: %w", err)
	}

	info := setStatusActivity[target]
	description := fmt.Sprintf("%s (number %d) - %s", detail.Patient.FullName, detail.QueueNumber, strings.ToLower(info.title))
	if notes != nil && *notes != "" {
		description += fmt.Sprintf(". Notes: %s", *notes)
	}

	patientID := detail.PatientID
	id := detail.ID
	meta := map[string]any{
		"queueNumber":    detail.QueueNumber,
		"patientName":    detail.Patient.FullName,
		"previousStatus": string(previous),
		"newStatus":      string(target),
	}
	if notes != nil {
		meta["notes"] = *notes
	}
	if detail.ActualServiceMinutes != nil {
		meta["serviceMinutes"] = *detail.ActualServiceMinutes
	}
	s.sink.RecordActivity(ctx, events.Activity{
		Type:        info.activityType,
		Title:       info.title,
		Description: description,
		PatientID:   &patientID,
		EntryID:     &id,
		Metadata:    meta,
	})
	s.sink.Broadcast(ctx, "queue_updated", map[string]any{
		"entryId":     detail.ID,
		"queueNumber": detail.QueueNumber,
		"patientName": detail.Patient.FullName,
		"date":        detail.AppointmentDate,
		"status":      detail.Status,
	})

	return detail, nil
}

// EmergencyCancellation is the outcome of an emergency bulk cancel.
type EmergencyCancellation struct {
	Closure         *closure.Closure `json:"emergencyClosure"`
	AffectedEntries []EntryDetail    `json:"affectedEntries"`
}

// EmergencyCancelAll declares an emergency closure for a date and cancels
// every waiting or in-service entry. The closure record is the commit point;
// activities and notifications afterwards are best effort. Runs under the
// per-date lock so it cannot interleave with booking or call-next.
func (s *Service) EmergencyCancelAll(ctx context.Context, rawDate, reason string, actingAdminID uuid.UUID) (*EmergencyCancellation, error) {
	date, err := ParseDate(rawDate)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}

	existing, err := s.closures.ActiveForDate(ctx, date)
	if err != nil && !errors.Is(err, closure.ErrClosureNotFound) {
		return nil, fmt.Errorf("check emergency closure: %w", err)
	}
	if existing != nil {
		return nil, closure.ErrClosureActive
	}

	var (
		created  *closure.Closure
		affected []EntryDetail
	)

	err = s.locker.WithDateLock(ctx, date, func(lockCtx context.Context) error {
		affected, err = s.repo.ListActiveEntriesByDate(lockCtx, date)
		if err != nil {
			return fmt.Errorf("list active entries: %w", err)
		}

		created, err = s.closures.Create(lockCtx, date, reason, len(affected), actingAdminID)
		if err != nil {
			return err
		}

		ids := make([]uuid.UUID, len(affected))
		for i, e := range affected {
			ids[i] = e.ID
		}

		note := fmt.Sprintf("Practice closed due to emergency: %s", reason)
		if _, err := s.repo.BulkEmergencyCancel(lockCtx, ids, note); err != nil {
			return fmt.Errorf("bulk cancel entries: %w", err)
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrDateContended
		}
		return nil, err
	}

	s.emitEmergencyEvents(ctx, created, affected, reason, actingAdminID)

	// Notifications are enqueued above; stamp the closure so it is not
	// re-notified. Best effort, like the sink calls it follows.
	if err := s.closures.MarkNotified(ctx, created.ID); err != nil {
		log.Printf("failed to mark closure %d notified: %v", created.ID, err)
	} else {
		created.NotificationSent = true
	}

	return &EmergencyCancellation{Closure: created, AffectedEntries: affected}, nil
}

func (s *Service) emitEmergencyEvents(ctx context.Context, cl *closure.Closure, affected []EntryDetail, reason string, adminID uuid.UUID) {
	for i := range affected {
		e := &affected[i]
		patientID := e.PatientID
		entryID := e.ID
		s.sink.RecordActivity(ctx, events.Activity{
			Type:        events.ActivityQueueCancelled,
			Title:       "Emergency practice closure",
			Description: fmt.Sprintf("%s (number %d) cancelled due to emergency closure: %s", e.Patient.FullName, e.QueueNumber, reason),
			PatientID:   &patientID,
			EntryID:     &entryID,
			Metadata: map[string]any{
				"queueNumber":        e.QueueNumber,
				"patientName":        e.Patient.FullName,
				"closureReason":      reason,
				"emergencyClosureId": cl.ID,
				"previousStatus":     string(e.Status),
				"newStatus":          string(StatusEmergencyCancelled),
			},
		})

		s.sink.EnqueueNotification(ctx, events.Notification{
			PatientID: e.PatientID,
			Type:      events.NotificationEmergencyClosure,
			Title:     "Practice closed due to emergency",
			Message: fmt.Sprintf("The practice is closed on %s due to an emergency: %s. Your queue number %d was cancelled.",
				cl.ClosureDate, reason, e.QueueNumber),
			ActionData: map[string]any{
				"closureDate": cl.ClosureDate,
				"reason":      reason,
				"queueNumber": e.QueueNumber,
			},
		})

		s.sink.Broadcast(ctx, "emergency_closure", map[string]any{
			"patientId":   e.PatientID,
			"closureDate": cl.ClosureDate,
			"reason":      reason,
			"queueNumber": e.QueueNumber,
		})
	}

	adminIDCopy := adminID
	s.sink.RecordActivity(ctx, events.Activity{
		Type:        events.ActivitySettingsUpdated,
		Title:       "Admin declared emergency closure",
		Description: fmt.Sprintf("Practice closed on %s: %s. %d entries affected", cl.ClosureDate, reason, len(affected)),
		PatientID:   &adminIDCopy,
		Metadata: map[string]any{
			"closureDate":        cl.ClosureDate,
			"reason":             reason,
			"affectedCount":      len(affected),
			"emergencyClosureId": cl.ID,
		},
	})
}

// DeactivateClosure lifts an emergency closure so the date can be booked again.
func (s *Service) DeactivateClosure(ctx context.Context, closureID int64, actingAdminID uuid.UUID) (*closure.Closure, error) {
	cl, err := s.closures.Deactivate(ctx, closureID)
	if err != nil {
		return nil, err
	}

	adminID := actingAdminID
	s.sink.RecordActivity(ctx, events.Activity{
		Type:        events.ActivitySettingsUpdated,
		Title:       "Emergency closure deactivated",
		Description: fmt.Sprintf("Emergency closure for %s deactivated", cl.ClosureDate),
		PatientID:   &adminID,
		Metadata: map[string]any{
			"emergencyClosureId": cl.ID,
			"closureDate":        cl.ClosureDate,
			"deactivatedBy":      actingAdminID.String(),
		},
	})

	return cl, nil
}
