package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/clinicware/clinic-queue/internal/closure"
	"github.com/clinicware/clinic-queue/internal/queue"
	"github.com/clinicware/clinic-queue/internal/settings"
)

func availabilityHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			writeError(w, http.StatusBadRequest, "missing_date", "date query parameter is required")
			return
		}

		avail, err := svc.CheckAvailability(r.Context(), date)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, avail)
	}
}

func bookHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		detail, err := svc.Book(r.Context(), req.AppointmentDate, patientID, req.Notes)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, detailResponse(detail))
	}
}

func bookForPatientHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookForPatientRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		adminID, err := uuid.Parse(req.AdminID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_admin_id", "admin_id must be a valid UUID")
			return
		}

		detail, err := svc.BookForPatient(r.Context(), req.AppointmentDate, patientID, req.Notes, adminID)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, detailResponse(detail))
	}
}

func myEntriesHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, err := uuid.Parse(r.URL.Query().Get("patient_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		entries, err := svc.MyEntries(r.Context(), patientID)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		out := make([]EntryResponse, len(entries))
		for i, e := range entries {
			out[i] = entryResponse(e)
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": out})
	}
}

func currentStateHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			writeError(w, http.StatusBadRequest, "missing_date", "date query parameter is required")
			return
		}

		state, err := svc.CurrentState(r.Context(), date)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		resp := map[string]any{
			"date":          state.Date,
			"totalWaiting":  state.TotalWaiting,
			"waitingQueues": detailResponses(state.Waiting),
		}
		if state.InService != nil {
			resp["currentQueue"] = detailResponse(state.InService)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func entriesByDateHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			writeError(w, http.StatusBadRequest, "missing_date", "date query parameter is required")
			return
		}

		sheet, err := svc.EntriesByDate(r.Context(), date)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"date":    sheet.Date,
			"entries": detailResponses(sheet.Entries),
			"stats":   sheet.Stats,
		})
	}
}

func reportHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := r.URL.Query().Get("start_date")
		end := r.URL.Query().Get("end_date")
		if start == "" || end == "" {
			writeError(w, http.StatusBadRequest, "missing_range", "start_date and end_date query parameters are required")
			return
		}

		report, err := svc.Report(r.Context(), start, end)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, report)
	}
}

// handleQueueError maps engine errors to stable machine-readable codes.
func handleQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidDate):
		writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
	case errors.Is(err, queue.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
	case errors.Is(err, queue.ErrReasonRequired):
		writeError(w, http.StatusBadRequest, "reason_required", err.Error())
	case errors.Is(err, queue.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, "invalid_range", err.Error())
	case errors.Is(err, queue.ErrRangeTooLarge):
		writeError(w, http.StatusBadRequest, "range_too_large", err.Error())
	case errors.Is(err, queue.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, queue.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "entry_not_found", err.Error())
	case errors.Is(err, closure.ErrClosureNotFound):
		writeError(w, http.StatusNotFound, "closure_not_found", err.Error())
	case errors.Is(err, queue.ErrDuplicateBooking):
		writeError(w, http.StatusConflict, "duplicate_booking", err.Error())
	case errors.Is(err, queue.ErrCapacityExceeded):
		writeError(w, http.StatusConflict, "capacity_exceeded", err.Error())
	case errors.Is(err, queue.ErrAlreadyInService):
		writeError(w, http.StatusConflict, "already_in_service", err.Error())
	case errors.Is(err, queue.ErrNoWaitingEntries):
		writeError(w, http.StatusNotFound, "no_waiting_entries", err.Error())
	case errors.Is(err, queue.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, queue.ErrPastCancellationDeadline):
		writeError(w, http.StatusConflict, "past_cancellation_deadline", err.Error())
	case errors.Is(err, closure.ErrClosureActive):
		writeError(w, http.StatusConflict, "closure_already_active", err.Error())
	case errors.Is(err, queue.ErrDateContended):
		writeError(w, http.StatusConflict, "date_contended", "date is busy with other requests, please retry shortly")
	case errors.Is(err, settings.ErrNotConfigured):
		writeError(w, http.StatusInternalServerError, "practice_not_configured", "practice settings are not configured")
	default:
		log.Printf("unhandled queue error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
	}
}
