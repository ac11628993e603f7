package api

import (
	"net/http"
	"strconv"

	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/types"
)

// Audit listing bounds. Limits above the cap are clamped, not rejected.
const (
	auditDefaultLimit = 50
	auditMaxLimit     = 500
)

func (s *Server) handleValidateChain(w http.ResponseWriter, r *http.Request, principal *types.Principal) {
	result, err := s.audit.ValidateChain(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Chain validation failed")
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		return
	}
	writeData(w, r, result)
}

func (s *Server) handleListAuditEntries(w http.ResponseWriter, r *http.Request, principal *types.Principal) {
	query := r.URL.Query()

	offset := 0
	if raw := query.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request validation failed",
				validationDetail([]string{"query", "offset"}, "must be a non-negative integer"))
			return
		}
		offset = parsed
	}
	limit := auditDefaultLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request validation failed",
				validationDetail([]string{"query", "limit"}, "must be a positive integer"))
			return
		}
		limit = parsed
	}
	if limit > auditMaxLimit {
		limit = auditMaxLimit
	}

	filter := storage.AuditFilter{
		Offset:   offset,
		Limit:    limit,
		Action:   query.Get("action"),
		Resource: query.Get("resource"),
		Status:   query.Get("status"),
	}

	if err := s.audit.RecordAdminAction(r.Context(), principal.KeyID, "audit_review_accessed", "audit", "", clientIP(r)); err != nil {
		if !auditUnavailable(w, r, err) {
			writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		}
		return
	}

	entries, err := s.audit.ListEntries(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Audit listing failed")
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		return
	}
	if entries == nil {
		entries = []*types.AuditEntry{}
	}

	writeData(w, r, map[string]interface{}{
		"entries": entries,
		"paging":  map[string]interface{}{"offset": offset, "limit": limit},
		"filters": map[string]interface{}{
			"action":   filter.Action,
			"resource": filter.Resource,
			"status":   filter.Status,
		},
	})
}

func (s *Server) handleAuditSummary(w http.ResponseWriter, r *http.Request, principal *types.Principal) {
	validation, err := s.audit.ValidateChain(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Chain validation failed")
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		return
	}
	counters, err := s.audit.Summarize(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Audit summary failed")
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		return
	}

	if err := s.audit.RecordAdminAction(r.Context(), principal.KeyID, "audit_validation_reviewed", "audit", "", clientIP(r)); err != nil {
		if !auditUnavailable(w, r, err) {
			writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		}
		return
	}

	writeData(w, r, map[string]interface{}{
		"validation": validation,
		"counters":   counters,
	})
}
