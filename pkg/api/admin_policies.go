package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/types"
)

type createPolicyRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Rules       json.RawMessage `json:"rules"`
}

type updatePolicyRequest struct {
	Name        *string         `json:"name"`
	Description *string         `json:"description"`
	Rules       json.RawMessage `json:"rules"`
	IsActive    *bool           `json:"is_active"`
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request, principal *types.Principal) {
	var req createPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request body is not valid JSON",
			validationDetail([]string{"body"}, "invalid JSON"))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request validation failed",
			validationDetail([]string{"body", "name"}, "must not be empty"))
		return
	}
	rules := string(req.Rules)
	if rules == "" {
		rules = "{}"
	}

	record := &types.PolicyRecord{
		PolicyID:    strings.ReplaceAll(uuid.NewString(), "-", ""),
		Name:        req.Name,
		Description: req.Description,
		RulesJSON:   rules,
		CreatedBy:   principal.KeyID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreatePolicy(r.Context(), record); err != nil {
		s.logger.Error().Err(err).Msg("Policy creation failed")
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		return
	}

	if err := s.audit.RecordAdminAction(r.Context(), principal.KeyID, "policy_created", "policy", record.PolicyID, clientIP(r)); err != nil {
		if !auditUnavailable(w, r, err) {
			writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		}
		return
	}

	writeData(w, r, map[string]interface{}{"policy": record})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request, principal *types.Principal) {
	records, err := s.store.ListPolicies(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Policy listing failed")
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		return
	}
	if records == nil {
		records = []*types.PolicyRecord{}
	}

	if err := s.audit.RecordAdminAction(r.Context(), principal.KeyID, "policy_listed", "policy", "", clientIP(r)); err != nil {
		if !auditUnavailable(w, r, err) {
			writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		}
		return
	}

	writeData(w, r, map[string]interface{}{"policies": records})
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request, principal *types.Principal) {
	var req updatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request body is not valid JSON",
			validationDetail([]string{"body"}, "invalid JSON"))
		return
	}

	policyID := r.PathValue("policy_id")
	record, err := s.store.GetPolicy(r.Context(), policyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "POLICY_NOT_FOUND", "Policy not found", nil)
			return
		}
		s.logger.Error().Err(err).Msg("Policy lookup failed")
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		return
	}

	if req.Name != nil {
		record.Name = *req.Name
	}
	if req.Description != nil {
		record.Description = *req.Description
	}
	if len(req.Rules) > 0 {
		record.RulesJSON = string(req.Rules)
	}
	if req.IsActive != nil {
		record.IsActive = *req.IsActive
	}
	now := time.Now().UTC()
	record.UpdatedAt = &now

	if err := s.store.UpdatePolicy(r.Context(), record); err != nil {
		s.logger.Error().Err(err).Msg("Policy update failed")
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		return
	}

	if err := s.audit.RecordAdminAction(r.Context(), principal.KeyID, "policy_updated", "policy", record.PolicyID, clientIP(r)); err != nil {
		if !auditUnavailable(w, r, err) {
			writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		}
		return
	}

	writeData(w, r, map[string]interface{}{"policy": record})
}
