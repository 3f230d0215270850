package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/clinicware/clinic-queue/internal/queue"
)

type BookRequest struct {
	AppointmentDate string  `json:"appointment_date"`
	PatientID       string  `json:"patient_id"`
	Notes           *string `json:"notes,omitempty"`
}

type BookForPatientRequest struct {
	AppointmentDate string  `json:"appointment_date"`
	PatientID       string  `json:"patient_id"`
	Notes           *string `json:"notes,omitempty"`
	AdminID         string  `json:"admin_id"`
}

type CallNextRequest struct {
	Date string `json:"date"`
}

type CancelRequest struct {
	ActorID string `json:"actor_id"`
	IsAdmin bool   `json:"is_admin,omitempty"`
}

type SetStatusRequest struct {
	Status string  `json:"status"`
	Notes  *string `json:"notes,omitempty"`
}

type EmergencyClosureRequest struct {
	ClosureDate string `json:"closure_date"`
	Reason      string `json:"reason"`
	AdminID     string `json:"admin_id"`
}

type EntryResponse struct {
	ID                   uuid.UUID  `json:"id"`
	PatientID            uuid.UUID  `json:"patient_id"`
	PatientName          string     `json:"patient_name,omitempty"`
	PatientPhone         *string    `json:"patient_phone,omitempty"`
	AppointmentDate      string     `json:"appointment_date"`
	QueueNumber          int        `json:"queue_number"`
	Status               string     `json:"status"`
	ServiceStartedAt     *time.Time `json:"service_started_at,omitempty"`
	ServiceCompletedAt   *time.Time `json:"service_completed_at,omitempty"`
	ActualServiceMinutes *int       `json:"actual_service_minutes,omitempty"`
	Notes                *string    `json:"notes,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

func entryResponse(e queue.Entry) EntryResponse {
	return EntryResponse{
		ID:                   e.ID,
		PatientID:            e.PatientID,
		AppointmentDate:      e.AppointmentDate,
		QueueNumber:          e.QueueNumber,
		Status:               string(e.Status),
		ServiceStartedAt:     e.ServiceStartedAt,
		ServiceCompletedAt:   e.ServiceCompletedAt,
		ActualServiceMinutes: e.ActualServiceMinutes,
		Notes:                e.Notes,
		CreatedAt:            e.CreatedAt,
	}
}

func detailResponse(d *queue.EntryDetail) EntryResponse {
	resp := entryResponse(d.Entry)
	if d.Patient != nil {
		resp.PatientName = d.Patient.FullName
		resp.PatientPhone = d.Patient.PhoneNumber
	}
	return resp
}

func detailResponses(details []queue.EntryDetail) []EntryResponse {
	out := make([]EntryResponse, len(details))
	for i := range details {
		out[i] = detailResponse(&details[i])
	}
	return out
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
