package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cuemby/warden/pkg/incident"
	"github.com/cuemby/warden/pkg/types"
)

type setIncidentRequest struct {
	Level  string `json:"level"`
	Reason string `json:"reason"`
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request, principal *types.Principal) {
	state, err := s.incidents.CurrentState(r.Context())
	if err != nil {
		if errors.Is(err, incident.ErrInvalidPersistedState) {
			writeError(w, r, http.StatusInternalServerError, "INCIDENT_STATE_INVALID", "Persisted incident state is invalid", nil)
			return
		}
		s.logger.Error().Err(err).Msg("Incident state lookup failed")
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		return
	}

	if err := s.audit.RecordAdminAction(r.Context(), principal.KeyID, "incident_state_viewed", "incident", state.Level, clientIP(r)); err != nil {
		if !auditUnavailable(w, r, err) {
			writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		}
		return
	}

	writeData(w, r, state)
}

func (s *Server) handleSetIncident(w http.ResponseWriter, r *http.Request, principal *types.Principal) {
	var req setIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request body is not valid JSON",
			validationDetail([]string{"body"}, "invalid JSON"))
		return
	}

	target, err := types.ParseIncidentLevel(req.Level)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INCIDENT_TRANSITION_INVALID", "Unknown incident level",
			[]map[string]interface{}{{"reason_category": "invalid_level"}})
		return
	}

	state, err := s.incidents.Transition(r.Context(), target, principal, req.Reason, clientIP(r))
	if err != nil {
		var transitionErr *incident.TransitionError
		switch {
		case errors.Is(err, incident.ErrNoStateChange):
			writeError(w, r, http.StatusBadRequest, "INCIDENT_TRANSITION_INVALID", "Incident level unchanged",
				[]map[string]interface{}{{"reason_category": "no_state_change"}})
		case errors.As(err, &transitionErr):
			writeError(w, r, http.StatusBadRequest, "INCIDENT_TRANSITION_INVALID", "Incident transition not allowed",
				[]map[string]interface{}{{"reason_category": "transition_not_allowed"}})
		case errors.Is(err, incident.ErrInvalidPersistedState):
			writeError(w, r, http.StatusInternalServerError, "INCIDENT_STATE_INVALID", "Persisted incident state is invalid", nil)
		case auditUnavailable(w, r, err):
		default:
			s.logger.Error().Err(err).Msg("Incident transition failed")
			writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		}
		return
	}

	writeData(w, r, state)
}
