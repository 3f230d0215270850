package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/clinicware/clinic-queue/internal/closure"
)

func listClosuresHandler(registry closure.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		onlyActive := q.Get("is_active") == "true"
		limit, _ := strconv.Atoi(q.Get("limit"))
		page, _ := strconv.Atoi(q.Get("page"))
		if page < 1 {
			page = 1
		}
		if limit <= 0 {
			limit = 10
		}

		closures, err := registry.List(r.Context(), onlyActive, limit, (page-1)*limit)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"closures": closures,
			"page":     page,
			"limit":    limit,
		})
	}
}

func checkClosureHandler(registry closure.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			writeError(w, http.StatusBadRequest, "missing_date", "date query parameter is required")
			return
		}

		cl, err := registry.ActiveForDate(r.Context(), date)
		if err != nil {
			if errors.Is(err, closure.ErrClosureNotFound) {
				writeJSON(w, http.StatusOK, map[string]any{"hasEmergencyClosure": false})
				return
			}
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"hasEmergencyClosure": true,
			"emergencyClosure":    cl,
		})
	}
}
