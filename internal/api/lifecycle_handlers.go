package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clinicware/clinic-queue/internal/queue"
)

func callNextHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CallNextRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		detail, err := svc.CallNext(r.Context(), req.Date)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, detailResponse(detail))
	}
}

func completeHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entryID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_entry_id", "id must be a valid UUID")
			return
		}

		detail, err := svc.Complete(r.Context(), entryID)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, detailResponse(detail))
	}
}

func cancelHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entryID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_entry_id", "id must be a valid UUID")
			return
		}

		var req CancelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		actorID, err := uuid.Parse(req.ActorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_actor_id", "actor_id must be a valid UUID")
			return
		}

		entry, err := svc.Cancel(r.Context(), entryID, queue.Actor{ID: actorID, Admin: req.IsAdmin})
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, entryResponse(*entry))
	}
}

func setStatusHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entryID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_entry_id", "id must be a valid UUID")
			return
		}

		var req SetStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		status, err := queue.ParseStatus(req.Status)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		detail, err := svc.SetStatus(r.Context(), entryID, status, req.Notes)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, detailResponse(detail))
	}
}

func emergencyCancelHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EmergencyClosureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		adminID, err := uuid.Parse(req.AdminID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_admin_id", "admin_id must be a valid UUID")
			return
		}

		result, err := svc.EmergencyCancelAll(r.Context(), req.ClosureDate, req.Reason, adminID)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{
			"emergencyClosure": result.Closure,
			"affectedEntries":  detailResponses(result.AffectedEntries),
		})
	}
}

func deactivateClosureHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		closureID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_closure_id", "id must be an integer")
			return
		}

		adminID, err := uuid.Parse(r.URL.Query().Get("admin_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_admin_id", "admin_id query parameter must be a valid UUID")
			return
		}

		cl, err := svc.DeactivateClosure(r.Context(), closureID, adminID)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, cl)
	}
}
