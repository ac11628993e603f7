package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cuemby/warden/pkg/auth"
	"github.com/cuemby/warden/pkg/keymgmt"
	"github.com/cuemby/warden/pkg/types"
)

type createKeyRequest struct {
	Role        string     `json:"role"`
	Department  string     `json:"department"`
	Description string     `json:"description"`
	AllowedIPs  []string   `json:"allowed_ips"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

type rotateKeyRequest struct {
	ToVersion string `json:"to_version"`
	Reason    string `json:"reason"`
}

type cryptoShredRequest struct {
	Confirmation string `json:"confirmation"`
}

var validRoles = map[string]bool{
	"operator":    true,
	"admin":       true,
	"super_admin": true,
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request, principal *types.Principal) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request body is not valid JSON",
			validationDetail([]string{"body"}, "invalid JSON"))
		return
	}
	if !validRoles[req.Role] {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request validation failed",
			validationDetail([]string{"body", "role"}, "must be one of operator, admin, super_admin"))
		return
	}

	rawKey, record, err := s.auth.CreateKey(r.Context(), principal, auth.CreateKeyParams{
		Role:        req.Role,
		Department:  req.Department,
		Description: req.Description,
		AllowedIPs:  req.AllowedIPs,
		ExpiresAt:   req.ExpiresAt,
	}, clientIP(r))
	if err != nil {
		if auditUnavailable(w, r, err) {
			return
		}
		s.logger.Error().Err(err).Msg("API key creation failed")
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		return
	}

	// The raw key is shown exactly once; only its hash survives.
	writeData(w, r, map[string]interface{}{
		"api_key": rawKey,
		"key":     record,
	})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request, principal *types.Principal) {
	records, err := s.auth.ListKeys(r.Context(), principal, clientIP(r))
	if err != nil {
		if auditUnavailable(w, r, err) {
			return
		}
		s.logger.Error().Err(err).Msg("API key listing failed")
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		return
	}
	if records == nil {
		records = []*types.APIKey{}
	}
	writeData(w, r, map[string]interface{}{"keys": records})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request, principal *types.Principal) {
	record, err := s.auth.RevokeKey(r.Context(), principal, r.PathValue("key_id"), clientIP(r))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrKeyNotFound):
			writeError(w, r, http.StatusNotFound, "API_KEY_NOT_FOUND", "API key not found", nil)
		case auditUnavailable(w, r, err):
		default:
			s.logger.Error().Err(err).Msg("API key revocation failed")
			writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		}
		return
	}
	writeData(w, r, map[string]interface{}{"key": record})
}

func (s *Server) handleListKeyVersions(w http.ResponseWriter, r *http.Request, principal *types.Principal) {
	versions, err := s.keys.ListVersions(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Key version listing failed")
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		return
	}
	if versions == nil {
		versions = []*types.KeyVersion{}
	}

	if err := s.audit.RecordAdminAction(r.Context(), principal.KeyID, "key_versions_reviewed", "key_version", "", clientIP(r)); err != nil {
		if !auditUnavailable(w, r, err) {
			writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		}
		return
	}

	writeData(w, r, map[string]interface{}{"versions": versions})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request, principal *types.Principal) {
	var req rotateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request body is not valid JSON",
			validationDetail([]string{"body"}, "invalid JSON"))
		return
	}
	if req.ToVersion == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request validation failed",
			validationDetail([]string{"body", "to_version"}, "must not be empty"))
		return
	}

	version, err := s.keys.RotateActiveVersion(r.Context(), req.ToVersion, principal, req.Reason, clientIP(r))
	if err != nil {
		var rotationErr *keymgmt.RotationError
		switch {
		case errors.As(err, &rotationErr):
			writeError(w, r, http.StatusBadRequest, "KEY_ROTATION_INVALID", "Key rotation rejected",
				[]map[string]interface{}{{"reason_category": rotationErr.ReasonCategory}})
		case auditUnavailable(w, r, err):
		default:
			s.logger.Error().Err(err).Msg("Key rotation failed")
			writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		}
		return
	}

	writeData(w, r, map[string]interface{}{"version": version})
}

func (s *Server) handleGetKeyVersion(w http.ResponseWriter, r *http.Request, principal *types.Principal) {
	versionID := r.PathValue("version_id")
	version, err := s.keys.GetVersion(r.Context(), versionID)
	if err != nil {
		if errors.Is(err, keymgmt.ErrVersionNotFound) {
			writeError(w, r, http.StatusNotFound, "KEY_VERSION_NOT_FOUND", "Key version not found", nil)
			return
		}
		s.logger.Error().Err(err).Msg("Key version lookup failed")
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		return
	}

	if err := s.audit.RecordAdminAction(r.Context(), principal.KeyID, "key_version_reviewed", "key_version", versionID, clientIP(r)); err != nil {
		if !auditUnavailable(w, r, err) {
			writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		}
		return
	}

	writeData(w, r, map[string]interface{}{"version": version})
}

func (s *Server) handleCryptoShred(w http.ResponseWriter, r *http.Request, principal *types.Principal) {
	var req cryptoShredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request body is not valid JSON",
			validationDetail([]string{"body"}, "invalid JSON"))
		return
	}

	result, err := s.keys.ExecuteCryptoShred(
		r.Context(),
		r.PathValue("version_id"),
		principal,
		r.Header.Get(headerMFAToken),
		req.Confirmation,
		clientIP(r),
	)
	if err != nil {
		var shredErr *keymgmt.ShredError
		switch {
		case errors.As(err, &shredErr):
			status := http.StatusForbidden
			if shredErr.ReasonCategory == "key_not_found" {
				status = http.StatusNotFound
			}
			writeError(w, r, status, "CRYPTO_SHRED_DENIED", "Crypto-shred rejected",
				[]map[string]interface{}{{"reason_category": shredErr.ReasonCategory}})
		case auditUnavailable(w, r, err):
		default:
			s.logger.Error().Err(err).Msg("Crypto-shred failed")
			writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		}
		return
	}

	writeData(w, r, result)
}

func (s *Server) handleShredOutcome(w http.ResponseWriter, r *http.Request, principal *types.Principal) {
	versionID := r.PathValue("version_id")
	outcome, err := s.keys.GetShredOutcome(r.Context(), versionID)
	if err != nil {
		if errors.Is(err, keymgmt.ErrVersionNotFound) {
			writeError(w, r, http.StatusNotFound, "KEY_VERSION_NOT_FOUND", "Key version not found", nil)
			return
		}
		s.logger.Error().Err(err).Msg("Shred outcome lookup failed")
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		return
	}

	if err := s.audit.RecordAdminAction(r.Context(), principal.KeyID, "crypto_shred_outcome_reviewed", "key_version", versionID, clientIP(r)); err != nil {
		if !auditUnavailable(w, r, err) {
			writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		}
		return
	}

	writeData(w, r, outcome)
}
