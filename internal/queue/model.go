package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the closed set of queue entry states. Transitions are enforced by
// the service layer; the four terminal states never change again.
type Status string

const (
	StatusWaiting            Status = "waiting"
	StatusInService          Status = "in_service"
	StatusCompleted          Status = "completed"
	StatusCancelled          Status = "cancelled"
	StatusNoShow             Status = "no_show"
	StatusEmergencyCancelled Status = "emergency_cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow, StatusEmergencyCancelled:
		return true
	}
	return false
}

// ParseStatus validates a wire-level status string.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusWaiting, StatusInService, StatusCompleted, StatusCancelled, StatusNoShow, StatusEmergencyCancelled:
		return Status(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// Entry is one patient's reserved position in a day's queue. Numbers are
// assigned at creation and never reclaimed, even after cancellation.
type Entry struct {
	ID                   uuid.UUID
	PatientID            uuid.UUID
	AppointmentDate      string // YYYY-MM-DD, date-only
	QueueNumber          int
	Status               Status
	ServiceStartedAt     *time.Time
	ServiceCompletedAt   *time.Time
	ActualServiceMinutes *int
	Notes                *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Patient is the snapshot joined onto entries for display and event payloads.
type Patient struct {
	ID          uuid.UUID
	FullName    string
	PhoneNumber *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type EntryDetail struct {
	Entry
	Patient *Patient
}

// StatusCounts is a per-status tally over a set of entries.
type StatusCounts struct {
	Total              int `json:"total"`
	Waiting            int `json:"waiting"`
	InService          int `json:"in_service"`
	Completed          int `json:"completed"`
	Cancelled          int `json:"cancelled"`
	NoShow             int `json:"no_show"`
	EmergencyCancelled int `json:"emergency_cancelled"`
}

func (c *StatusCounts) add(s Status) {
	c.Total++
	switch s {
	case StatusWaiting:
		c.Waiting++
	case StatusInService:
		c.InService++
	case StatusCompleted:
		c.Completed++
	case StatusCancelled:
		c.Cancelled++
	case StatusNoShow:
		c.NoShow++
	case StatusEmergencyCancelled:
		c.EmergencyCancelled++
	}
}

const dateLayout = "2006-01-02"

// ParseDate validates a YYYY-MM-DD calendar date and returns it normalized.
func ParseDate(raw string) (string, error) {
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, raw)
	}
	return t.Format(dateLayout), nil
}
