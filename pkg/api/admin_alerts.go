package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cuemby/warden/pkg/monitor"
	"github.com/cuemby/warden/pkg/types"
)

type updateAlertRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request, principal *types.Principal) {
	alerts, err := s.alerts.ListAlerts(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.logger.Error().Err(err).Msg("Alert listing failed")
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		return
	}
	if alerts == nil {
		alerts = []*types.Alert{}
	}

	if err := s.audit.RecordAdminAction(r.Context(), principal.KeyID, "alert_reviewed", "alert", "", clientIP(r)); err != nil {
		if !auditUnavailable(w, r, err) {
			writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		}
		return
	}

	writeData(w, r, map[string]interface{}{"alerts": alerts})
}

func (s *Server) handleUpdateAlertStatus(w http.ResponseWriter, r *http.Request, principal *types.Principal) {
	var req updateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request body is not valid JSON",
			validationDetail([]string{"body"}, "invalid JSON"))
		return
	}

	alert, err := s.alerts.UpdateStatus(r.Context(), r.PathValue("alert_id"), req.Status, principal, clientIP(r))
	if err != nil {
		var invalidErr *monitor.InvalidStatusError
		switch {
		case errors.As(err, &invalidErr):
			writeError(w, r, http.StatusBadRequest, "ALERT_STATUS_INVALID", "Unknown alert status",
				[]map[string]interface{}{{"allowed": []interface{}{"OPEN", "ACKNOWLEDGED", "RESOLVED"}}})
		case errors.Is(err, monitor.ErrAlertNotFound):
			writeError(w, r, http.StatusNotFound, "ALERT_NOT_FOUND", "Alert not found", nil)
		case auditUnavailable(w, r, err):
		default:
			s.logger.Error().Err(err).Msg("Alert status update failed")
			writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		}
		return
	}

	writeData(w, r, map[string]interface{}{"alert": alert})
}
