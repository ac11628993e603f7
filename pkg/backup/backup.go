package backup

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/warden/pkg/audit"
	"github.com/cuemby/warden/pkg/blob"
	"github.com/cuemby/warden/pkg/crypto"
	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/keystore"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/policy"
	"github.com/cuemby/warden/pkg/types"
)

// Request is a backup submission after structural validation.
type Request struct {
	Classification string
	SourceSystem   string
	Description    string
	Payload        []byte
}

// ValidationError rejects a submission before any metadata is written.
type ValidationError struct {
	Loc     []string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed at %s: %s", strings.Join(e.Loc, "."), e.Message)
}

// DeniedError is a policy rejection. The denial is on the audit chain before
// the caller sees it.
type DeniedError struct {
	Reason         string
	ReasonCategory string
	Role           string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("backup denied: %s (%s)", e.Reason, e.ReasonCategory)
}

// UploadError is a pipeline failure after metadata was created. The record
// is FAILED with the same reason.
type UploadError struct {
	Reason string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("backup upload failed: %s", e.Reason)
}

// Config controls classification defaulting and blob placement.
type Config struct {
	Bucket                 string
	DefaultClassification  string
	ClassificationRequired bool
}

// MetadataStore is the slice of the metadata store the pipeline uses.
type MetadataStore interface {
	CreateBackup(ctx context.Context, backup *types.BackupMetadata) error
	UpdateBackup(ctx context.Context, backup *types.BackupMetadata) error
}

// KeyProvider resolves the active encryption key.
type KeyProvider interface {
	GetActiveKeyMaterial(ctx context.Context) (keystore.Material, error)
}

// Service runs the backup submission pipeline.
type Service struct {
	store    MetadataStore
	blobs    blob.Store
	keys     KeyProvider
	policies *policy.Engine
	audit    *audit.Service
	broker   *events.Broker
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
	newID    func() string
}

// NewService creates the backup pipeline.
func NewService(store MetadataStore, blobs blob.Store, keys KeyProvider, policies *policy.Engine, auditService *audit.Service, broker *events.Broker, cfg Config) *Service {
	if cfg.Bucket == "" {
		cfg.Bucket = "backups"
	}
	return &Service{
		store:    store,
		blobs:    blobs,
		keys:     keys,
		policies: policies,
		audit:    auditService,
		broker:   broker,
		cfg:      cfg,
		logger:   log.WithComponent("backup"),
		now:      func() time.Time { return time.Now().UTC() },
		newID: func() string {
			return "backup-" + strings.ReplaceAll(uuid.NewString(), "-", "")
		},
	}
}

// WithClock overrides the time source, used in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithIDs overrides backup id generation, used in tests.
func (s *Service) WithIDs(gen func() string) *Service {
	s.newID = gen
	return s
}

// Submit runs the full pipeline: normalize classification, policy check,
// PROCESSING insert, key fetch, AEAD encrypt, blob store, finalize ACTIVE.
// Every submission that passes policy leaves exactly one terminal row.
func (s *Service) Submit(ctx context.Context, principal *types.Principal, req Request, clientIP string) (*types.BackupMetadata, error) {
	classification, err := s.normalizeClassification(req.Classification)
	if err != nil {
		return nil, err
	}

	backupID := s.newID()
	actorID, actorRole := principalFields(principal)

	decision := s.policies.EvaluateBackup(principal, classification)
	if err := s.audit.RecordPolicyDecision(ctx, actorID, "backup", decision.Allowed, decision.Reason, decision.ReasonCategory, string(classification), clientIP); err != nil {
		return nil, err
	}
	if !decision.Allowed {
		if err := s.audit.RecordBackupEvent(ctx, "backup_processing_denied", backupID, actorID, actorRole, "denied", decision.ReasonCategory); err != nil {
			return nil, err
		}
		metrics.BackupsTotal.WithLabelValues("denied").Inc()
		if s.broker != nil {
			s.broker.Publish(&events.Event{
				Type:     events.EventBackupDenied,
				Message:  "backup submission denied by policy",
				Metadata: map[string]string{"backup_id": backupID, "reason": decision.ReasonCategory},
			})
		}
		return nil, &DeniedError{Reason: decision.Reason, ReasonCategory: decision.ReasonCategory, Role: decision.Role}
	}

	record := &types.BackupMetadata{
		BackupID:          backupID,
		Classification:    classification,
		SourceSystem:      req.SourceSystem,
		Description:       req.Description,
		Status:            types.BackupStatusProcessing,
		ChecksumPlaintext: crypto.ChecksumHex(req.Payload),
		OriginalSize:      int64(len(req.Payload)),
		CreatedBy:         actorID,
		CreatedAt:         s.now(),
	}
	if err := s.store.CreateBackup(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create backup metadata: %w", err)
	}
	if err := s.audit.RecordBackupEvent(ctx, "backup_processing_started", backupID, actorID, actorRole, "processing", ""); err != nil {
		return nil, err
	}

	material, err := s.keys.GetActiveKeyMaterial(ctx)
	if err != nil {
		return nil, s.fail(ctx, record, actorID, actorRole, "key_unavailable", err)
	}
	record.KeyVersion = material.VersionID
	if err := s.store.UpdateBackup(ctx, record); err != nil {
		return nil, s.fail(ctx, record, actorID, actorRole, "key_unavailable", err)
	}

	result, err := crypto.Encrypt(req.Payload, crypto.NormalizeKey(material.KeyBytes))
	if err != nil {
		return nil, s.fail(ctx, record, actorID, actorRole, "encryption_failed", err)
	}

	sealed := crypto.AssembleBlob(result)
	objectName := backupID + ".bin"
	if err := s.blobs.Put(ctx, s.cfg.Bucket, objectName, sealed); err != nil {
		return nil, s.fail(ctx, record, actorID, actorRole, "storage_failed", err)
	}

	record.Status = types.BackupStatusActive
	record.StoragePath = objectName
	record.ChecksumCiphertext = crypto.ChecksumHex(sealed)
	record.Nonce = hex.EncodeToString(result.Nonce)
	record.EncryptedSize = int64(len(sealed))
	if err := s.store.UpdateBackup(ctx, record); err != nil {
		return nil, s.fail(ctx, record, actorID, actorRole, "storage_failed", err)
	}
	if err := s.audit.RecordBackupEvent(ctx, "backup_processing_succeeded", backupID, actorID, actorRole, "success", ""); err != nil {
		return nil, err
	}

	metrics.BackupsTotal.WithLabelValues("succeeded").Inc()
	metrics.BackupBytesEncrypted.Add(float64(len(req.Payload)))
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:    events.EventBackupCompleted,
			Message: "backup stored",
			Metadata: map[string]string{
				"backup_id":      backupID,
				"classification": string(classification),
				"key_version":    material.VersionID,
			},
		})
	}
	s.logger.Info().
		Str("backup_id", backupID).
		Str("classification", string(classification)).
		Str("key_version", material.VersionID).
		Int64("original_size", record.OriginalSize).
		Msg("Backup stored")
	return record, nil
}

func (s *Service) normalizeClassification(raw string) (types.Classification, error) {
	if raw != "" {
		classification, err := types.ParseClassification(raw)
		if err != nil {
			return "", &ValidationError{Loc: []string{"body", "classification"}, Message: "unknown classification"}
		}
		return classification, nil
	}
	if s.cfg.ClassificationRequired {
		return "", &ValidationError{Loc: []string{"body", "classification"}, Message: "classification is required"}
	}
	classification, err := types.ParseClassification(s.cfg.DefaultClassification)
	if err != nil {
		return "", &ValidationError{Loc: []string{"config", "default_classification"}, Message: "configured default classification is invalid"}
	}
	return classification, nil
}

// fail marks the record FAILED and audits the failure. The returned error is
// the audit error when the chain is unavailable, otherwise UploadError.
func (s *Service) fail(ctx context.Context, record *types.BackupMetadata, actorID, actorRole, reason string, cause error) error {
	s.logger.Error().Err(cause).
		Str("backup_id", record.BackupID).
		Str("reason", reason).
		Msg("Backup pipeline failed")
	record.Status = types.BackupStatusFailed
	record.FailureReason = reason
	if err := s.store.UpdateBackup(ctx, record); err != nil {
		s.logger.Error().Err(err).Str("backup_id", record.BackupID).Msg("Failed to mark backup FAILED")
	}
	if err := s.audit.RecordBackupEvent(ctx, "backup_processing_failed", record.BackupID, actorID, actorRole, "failure", reason); err != nil {
		return err
	}
	metrics.BackupsTotal.WithLabelValues("failed").Inc()
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:     events.EventBackupFailed,
			Message:  "backup pipeline failed",
			Metadata: map[string]string{"backup_id": record.BackupID, "reason": reason},
		})
	}
	return &UploadError{Reason: reason}
}

func principalFields(principal *types.Principal) (string, string) {
	if principal == nil {
		return "", ""
	}
	return principal.KeyID, principal.Role
}
