package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cuemby/warden/pkg/auth"
	"github.com/cuemby/warden/pkg/restore"
	"github.com/cuemby/warden/pkg/types"
)

// noDetails marks an error envelope that deliberately carries no structured
// context beyond the code.
var noDetails = []map[string]interface{}{}

type restoreRequest struct {
	BackupID string `json:"backup_id"`
	Reason   string `json:"reason"`
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request, principal *types.Principal) {
	var req restoreRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request body is not valid JSON",
			validationDetail([]string{"body"}, "invalid JSON"))
		return
	}
	if len(req.BackupID) < 8 || len(req.BackupID) > 64 {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request validation failed",
			validationDetail([]string{"body", "backup_id"}, "must be between 8 and 64 characters"))
		return
	}
	if len(req.Reason) > 255 {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request validation failed",
			validationDetail([]string{"body", "reason"}, "must be at most 255 characters"))
		return
	}
	backupID := req.BackupID
	mfaToken := r.Header.Get(headerMFAToken)

	result, err := s.restores.Restore(r.Context(), principal, backupID, mfaToken, clientIP(r))
	if err != nil {
		var authErr *auth.Failure
		var notFoundErr *restore.NotFoundError
		var deniedErr *restore.DeniedError
		var restrictedErr *restore.RestrictedError
		var irreversibleErr *restore.IrreversibleError
		var integrityErr *restore.IntegrityError
		var unavailableErr *restore.UnavailableError
		switch {
		case errors.As(err, &authErr):
			writeError(w, r, http.StatusUnauthorized, authErr.Code, authErr.Message, noDetails)
		case errors.As(err, &notFoundErr):
			writeError(w, r, http.StatusNotFound, "RESTORE_BACKUP_NOT_FOUND", "Backup not found",
				[]map[string]interface{}{{"backup_id": notFoundErr.BackupID}})
		case errors.As(err, &deniedErr):
			writeError(w, r, http.StatusForbidden, "POLICY_DENIED", "Restore not permitted",
				[]map[string]interface{}{{"reason_category": deniedErr.ReasonCategory}})
		case errors.As(err, &restrictedErr):
			writeError(w, r, http.StatusForbidden, "RESTORE_RESTRICTED", "Restore restricted by incident level",
				[]map[string]interface{}{{"reason_category": restrictedErr.ReasonCategory}})
		case errors.As(err, &irreversibleErr):
			writeError(w, r, http.StatusGone, "RESTORE_IRREVERSIBLE", "Backup is irreversible",
				[]map[string]interface{}{{"reason_category": "irreversible"}})
		case errors.As(err, &integrityErr):
			writeError(w, r, http.StatusConflict, "RESTORE_INTEGRITY_FAILED", "Restore integrity verification failed", noDetails)
		case errors.As(err, &unavailableErr):
			writeError(w, r, http.StatusServiceUnavailable, "RESTORE_UNAVAILABLE", "Restore temporarily unavailable", noDetails)
		case auditUnavailable(w, r, err):
		default:
			s.logger.Error().Err(err).Str("backup_id", backupID).Msg("Restore failed")
			writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		}
		return
	}

	writeData(w, r, result)
}

func (s *Server) handleRestoreAccess(w http.ResponseWriter, r *http.Request, principal *types.Principal) {
	record, err := s.restores.RedeemToken(r.PathValue("token"), principal)
	if err != nil {
		switch {
		case errors.Is(err, restore.ErrTokenExpired):
			writeError(w, r, http.StatusUnauthorized, "RESTORE_TOKEN_EXPIRED", "Restore token expired", nil)
		case errors.Is(err, restore.ErrTokenForbidden):
			writeError(w, r, http.StatusForbidden, "RESTORE_TOKEN_FORBIDDEN", "Restore token was issued to another principal", nil)
		default:
			writeError(w, r, http.StatusUnauthorized, "RESTORE_TOKEN_INVALID", "Restore token invalid", nil)
		}
		return
	}

	writeData(w, r, map[string]interface{}{
		"status":     "restore_access_granted",
		"backup_id":  record.BackupID,
		"expires_at": record.ExpiresAt,
	})
}
