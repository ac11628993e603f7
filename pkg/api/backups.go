package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cuemby/warden/pkg/backup"
	"github.com/cuemby/warden/pkg/types"
)

// maxPayloadBytes bounds the decoded backup payload.
const maxPayloadBytes = 1 << 20

type submitBackupRequest struct {
	Classification string `json:"classification"`
	SourceSystem   string `json:"source_system"`
	Description    string `json:"description"`
	Payload        string `json:"payload"`
}

func validationDetail(loc []string, msg string) []map[string]interface{} {
	locAny := make([]interface{}, len(loc))
	for i, part := range loc {
		locAny[i] = part
	}
	return []map[string]interface{}{{"loc": locAny, "msg": msg}}
}

func (s *Server) handleSubmitBackup(w http.ResponseWriter, r *http.Request, principal *types.Principal) {
	var req submitBackupRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4*maxPayloadBytes)).Decode(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request body is not valid JSON",
			validationDetail([]string{"body"}, "invalid JSON"))
		return
	}
	if len(req.SourceSystem) < 2 || len(req.SourceSystem) > 200 {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request validation failed",
			validationDetail([]string{"body", "source_system"}, "must be between 2 and 200 characters"))
		return
	}
	if len(req.Description) > 255 {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request validation failed",
			validationDetail([]string{"body", "description"}, "must be at most 255 characters"))
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request validation failed",
			validationDetail([]string{"body", "payload"}, "must be base64 encoded"))
		return
	}
	if len(payload) > maxPayloadBytes {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request validation failed",
			validationDetail([]string{"body", "payload"}, "must be at most 1 MiB"))
		return
	}

	record, err := s.backups.Submit(r.Context(), principal, backup.Request{
		Classification: req.Classification,
		SourceSystem:   req.SourceSystem,
		Description:    req.Description,
		Payload:        payload,
	}, clientIP(r))
	if err != nil {
		var validationErr *backup.ValidationError
		var deniedErr *backup.DeniedError
		var uploadErr *backup.UploadError
		switch {
		case errors.As(err, &validationErr):
			writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request validation failed",
				validationDetail(validationErr.Loc, validationErr.Message))
		case errors.As(err, &deniedErr):
			writeError(w, r, http.StatusForbidden, "POLICY_DENIED", "Backup not permitted",
				[]map[string]interface{}{{"reason_category": deniedErr.ReasonCategory}})
		case errors.As(err, &uploadErr):
			writeError(w, r, http.StatusInternalServerError, "UPLOAD_FAILED", "Backup pipeline failed",
				[]map[string]interface{}{{"reason_category": uploadErr.Reason}})
		case auditUnavailable(w, r, err):
		default:
			s.logger.Error().Err(err).Msg("Backup submission failed")
			writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		}
		return
	}

	writeData(w, r, map[string]interface{}{
		"status":         "accepted",
		"backup_id":      record.BackupID,
		"classification": string(record.Classification),
		"source_system":  record.SourceSystem,
	})
}
