package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"upload-relay/internal/db"
	"upload-relay/internal/logging"
)

type uploadsResponse struct {
	CorrelationID string      `json:"correlationId"`
	Count         int         `json:"count"`
	Outcomes      []db.Record `json:"outcomes"`
}

// handleListUploads serves GET /uploads/{correlationID} from the ledger.
func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	correlationID := chi.URLParam(r, "correlationID")
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "Invalid request", "missing correlation id")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "Invalid request", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	records, err := s.cfg.Ledger.ListByCorrelation(ctx, correlationID, limit)
	if err != nil {
		logging.Error("ledger_list_failed", logging.Fields{
			"rid":            RequestIDFromContext(r.Context()),
			"correlation_id": correlationID,
		}, err)
		writeError(w, http.StatusInternalServerError, "Lookup failed", "could not read recorded outcomes")
		return
	}

	writeJSON(w, http.StatusOK, uploadsResponse{
		CorrelationID: correlationID,
		Count:         len(records),
		Outcomes:      records,
	})
}
