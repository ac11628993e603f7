package restore

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/warden/pkg/audit"
	"github.com/cuemby/warden/pkg/blob"
	"github.com/cuemby/warden/pkg/crypto"
	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/keystore"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/policy"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/types"
)

// NotFoundError is returned when no metadata exists for the requested backup.
// MFA validation runs before the lookup so an unauthenticated caller cannot
// probe for backup existence.
type NotFoundError struct {
	BackupID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("backup metadata not found for %s", e.BackupID)
}

// DeniedError is a restore policy rejection.
type DeniedError struct {
	Reason         string
	ReasonCategory string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("restore denied: %s (%s)", e.Reason, e.ReasonCategory)
}

// RestrictedError blocks a restore because of the active incident level.
type RestrictedError struct {
	ReasonCategory string
}

func (e *RestrictedError) Error() string {
	return fmt.Sprintf("restore blocked by active incident level (%s)", e.ReasonCategory)
}

// IrreversibleError is returned for crypto-shredded backups. The data cannot
// be recovered by any party.
type IrreversibleError struct {
	BackupID string
}

func (e *IrreversibleError) Error() string {
	return fmt.Sprintf("backup %s is irreversible", e.BackupID)
}

// UnavailableError is a fail-secure rejection: metadata, incident state, key
// material, or the object store could not be trusted or reached.
type UnavailableError struct {
	Reason string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("restore unavailable: %s", e.Reason)
}

// IntegrityError covers every verification failure between fetch and
// decrypt. It deliberately carries no detail about which check failed.
type IntegrityError struct{}

func (e *IntegrityError) Error() string {
	return "restore integrity verification failed"
}

// MetadataSummary is the backup metadata echoed back to the caller.
type MetadataSummary struct {
	BackupID       string             `json:"backup_id"`
	Classification string             `json:"classification"`
	SourceSystem   string             `json:"source_system"`
	Status         types.BackupStatus `json:"status"`
	KeyVersion     string             `json:"key_version,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Result is the outcome of a restore request that did not error. Status is
// restore_completed or pending_manual_review; token fields are only set for
// completed restores.
type Result struct {
	Status                 string           `json:"status"`
	Backup                 *MetadataSummary `json:"backup"`
	RestrictionReason      string           `json:"restriction_reason,omitempty"`
	NextStep               string           `json:"next_step,omitempty"`
	IntegrityVerified      bool             `json:"integrity_verified,omitempty"`
	RestoredSize           int64            `json:"restored_size,omitempty"`
	RestoreToken           string           `json:"restore_token,omitempty"`
	RestoreTokenExpiresAt  *time.Time       `json:"restore_token_expires_at,omitempty"`
	RestoreTokenTTLSeconds int64            `json:"restore_token_ttl_seconds,omitempty"`
}

// MetadataReader is the slice of the metadata store the pipeline reads.
type MetadataReader interface {
	GetBackup(ctx context.Context, backupID string) (*types.BackupMetadata, error)
}

// MFAValidator gates restores behind a second factor.
type MFAValidator interface {
	ValidateMFAToken(ctx context.Context, principal *types.Principal, mfaToken, clientIP string) error
}

// IncidentReader reports the current incident level.
type IncidentReader interface {
	CurrentLevel(ctx context.Context) (types.IncidentLevel, error)
}

// SecurityMonitor receives security-relevant restore outcomes for threshold
// evaluation. Monitoring must never block or fail a restore response.
type SecurityMonitor interface {
	ProcessSecurityEvent(ctx context.Context, source string, actorKeyID *string, relatedBackupID string)
}

// Config controls blob placement and token validity.
type Config struct {
	Bucket   string
	TokenTTL time.Duration
}

// Service runs the restore authorization and integrity pipeline.
type Service struct {
	store    MetadataReader
	blobs    blob.Store
	keys     keystore.Store
	mfa      MFAValidator
	policies *policy.Engine
	audit    *audit.Service
	incident IncidentReader
	tokens   *TokenStore
	monitor  SecurityMonitor
	broker   *events.Broker
	cfg      Config
	logger   zerolog.Logger
}

// NewService creates the restore pipeline.
func NewService(store MetadataReader, blobs blob.Store, keys keystore.Store, mfa MFAValidator, policies *policy.Engine, auditService *audit.Service, incident IncidentReader, tokens *TokenStore, broker *events.Broker, cfg Config) *Service {
	if cfg.Bucket == "" {
		cfg.Bucket = "backups"
	}
	if cfg.TokenTTL < time.Second {
		cfg.TokenTTL = time.Second
	}
	return &Service{
		store:    store,
		blobs:    blobs,
		keys:     keys,
		mfa:      mfa,
		policies: policies,
		audit:    auditService,
		incident: incident,
		tokens:   tokens,
		broker:   broker,
		cfg:      cfg,
		logger:   log.WithComponent("restore"),
	}
}

// WithMonitor attaches a security monitor for blocked and failed restores.
func (s *Service) WithMonitor(monitor SecurityMonitor) *Service {
	s.monitor = monitor
	return s
}

// Restore runs the pipeline for one backup. The step order is a security
// contract: MFA before the metadata lookup, policy before the incident gate,
// and the incident gate before any ciphertext leaves the object store.
func (s *Service) Restore(ctx context.Context, principal *types.Principal, backupID, mfaToken, clientIP string) (*Result, error) {
	if err := s.mfa.ValidateMFAToken(ctx, principal, mfaToken, clientIP); err != nil {
		return nil, err
	}
	actorID, actorRole := principalFields(principal)

	metadata, err := s.store.GetBackup(ctx, backupID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, &NotFoundError{BackupID: backupID}
		}
		return nil, fmt.Errorf("failed to load backup metadata: %w", err)
	}

	classification, err := types.ParseClassification(string(metadata.Classification))
	if err != nil {
		if auditErr := s.recordFailure(ctx, metadata.BackupID, actorID, actorRole, "invalid_metadata_classification"); auditErr != nil {
			return nil, auditErr
		}
		return nil, &UnavailableError{Reason: "restore_unavailable"}
	}

	decision := s.policies.EvaluateRestore(principal, classification)
	var keyID string
	if principal != nil {
		keyID = principal.KeyID
	}
	if err := s.audit.RecordPolicyDecision(ctx, keyID, "restore_authorize", decision.Allowed, decision.Reason, decision.ReasonCategory, string(metadata.Classification), clientIP); err != nil {
		return nil, err
	}
	if !decision.Allowed {
		metrics.RestoresTotal.WithLabelValues("denied").Inc()
		s.publish(events.EventRestoreDenied, metadata.BackupID, decision.ReasonCategory)
		return nil, &DeniedError{Reason: decision.Reason, ReasonCategory: decision.ReasonCategory}
	}

	summary := &MetadataSummary{
		BackupID:       metadata.BackupID,
		Classification: string(metadata.Classification),
		SourceSystem:   metadata.SourceSystem,
		Status:         metadata.Status,
		KeyVersion:     metadata.KeyVersion,
		CreatedAt:      metadata.CreatedAt,
	}

	level, err := s.incident.CurrentLevel(ctx)
	if err != nil {
		return nil, &UnavailableError{Reason: "incident_state_unavailable"}
	}
	switch level {
	case types.IncidentLevelQuarantine:
		if err := s.audit.RecordRestoreEvent(ctx, "restore_restricted_pending_manual_review", metadata.BackupID, actorID, actorRole, "PENDING_MANUAL_REVIEW", "incident_quarantine"); err != nil {
			return nil, err
		}
		metrics.RestoresTotal.WithLabelValues("pending_review").Inc()
		s.publish(events.EventRestoreRestricted, metadata.BackupID, "incident_quarantine")
		return &Result{
			Status:            "pending_manual_review",
			Backup:            summary,
			RestrictionReason: "incident_quarantine",
			NextStep:          "manual_review",
		}, nil
	case types.IncidentLevelLockdown:
		if err := s.audit.RecordRestoreEvent(ctx, "restore_restricted_blocked", metadata.BackupID, actorID, actorRole, "BLOCKED", "incident_lockdown"); err != nil {
			return nil, err
		}
		metrics.RestoresTotal.WithLabelValues("blocked").Inc()
		s.publish(events.EventRestoreRestricted, metadata.BackupID, "incident_lockdown")
		s.notifyMonitor(ctx, "restore_restricted_blocked", principal, metadata.BackupID)
		return nil, &RestrictedError{ReasonCategory: "incident_lockdown"}
	}

	if metadata.Status == types.BackupStatusIrreversible {
		if err := s.recordFailure(ctx, metadata.BackupID, actorID, actorRole, "irreversible"); err != nil {
			return nil, err
		}
		s.notifyMonitor(ctx, "restore_failed", principal, metadata.BackupID)
		return nil, &IrreversibleError{BackupID: metadata.BackupID}
	}

	plaintext, err := s.fetchAndVerify(ctx, metadata)
	if err != nil {
		reason := "restore_unavailable"
		if _, ok := err.(*IntegrityError); ok {
			reason = "integrity_failed"
		}
		if auditErr := s.recordFailure(ctx, metadata.BackupID, actorID, actorRole, reason); auditErr != nil {
			return nil, auditErr
		}
		s.notifyMonitor(ctx, "restore_failed", principal, metadata.BackupID)
		return nil, err
	}

	if err := s.audit.RecordRestoreEvent(ctx, "restore_completed", metadata.BackupID, actorID, actorRole, "COMPLETED", ""); err != nil {
		return nil, err
	}

	var tokenActor *string
	if principal != nil {
		id := principal.KeyID
		tokenActor = &id
	}
	token, err := s.tokens.Issue(metadata.BackupID, tokenActor, s.cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue restore token: %w", err)
	}

	metrics.RestoresTotal.WithLabelValues("completed").Inc()
	s.publish(events.EventRestoreCompleted, metadata.BackupID, "")
	s.logger.Info().
		Str("backup_id", metadata.BackupID).
		Int("restored_size", len(plaintext)).
		Msg("Restore completed")

	expiresAt := token.ExpiresAt
	return &Result{
		Status:                 "restore_completed",
		Backup:                 summary,
		NextStep:               "restore_access_token",
		IntegrityVerified:      true,
		RestoredSize:           int64(len(plaintext)),
		RestoreToken:           token.Token,
		RestoreTokenExpiresAt:  &expiresAt,
		RestoreTokenTTLSeconds: int64(s.cfg.TokenTTL / time.Second),
	}, nil
}

// RedeemToken exchanges a restore-access token for its backup binding.
func (s *Service) RedeemToken(token string, principal *types.Principal) (*TokenRecord, error) {
	var actorID *string
	if principal != nil {
		id := principal.KeyID
		actorID = &id
	}
	return s.tokens.Redeem(token, actorID)
}

// fetchAndVerify pulls the sealed blob and runs every integrity check. The
// distinction between unavailable and integrity-failed is kept internally;
// integrity errors never say which check tripped.
func (s *Service) fetchAndVerify(ctx context.Context, metadata *types.BackupMetadata) ([]byte, error) {
	if metadata.StoragePath == "" || metadata.KeyVersion == "" || metadata.Nonce == "" || metadata.ChecksumPlaintext == "" {
		return nil, &UnavailableError{Reason: "restore_unavailable"}
	}

	sealed, err := s.blobs.Get(ctx, s.cfg.Bucket, metadata.StoragePath)
	if err != nil {
		// A reachable store with no object means the sealed blob is gone,
		// which is an integrity problem, not an availability one.
		if err == blob.ErrNotFound {
			return nil, &IntegrityError{}
		}
		s.logger.Error().Err(err).Str("backup_id", metadata.BackupID).Msg("Failed to fetch backup blob")
		return nil, &UnavailableError{Reason: "restore_unavailable"}
	}
	if len(sealed) < crypto.MinBlobSize {
		return nil, &IntegrityError{}
	}

	if metadata.ChecksumCiphertext != "" && crypto.ChecksumHex(sealed) != metadata.ChecksumCiphertext {
		return nil, &IntegrityError{}
	}

	nonce, tag, ciphertext, err := crypto.SplitBlob(sealed)
	if err != nil {
		return nil, &IntegrityError{}
	}
	expectedNonce, err := hex.DecodeString(metadata.Nonce)
	if err != nil || !bytes.Equal(nonce, expectedNonce) {
		return nil, &IntegrityError{}
	}

	material, err := s.keys.Key(metadata.KeyVersion)
	if err != nil {
		s.logger.Error().Err(err).Str("key_version", metadata.KeyVersion).Msg("Failed to load key material for restore")
		return nil, &UnavailableError{Reason: "restore_unavailable"}
	}

	plaintext, err := crypto.Decrypt(ciphertext, crypto.NormalizeKey(material.KeyBytes), nonce, tag)
	if err != nil {
		return nil, &IntegrityError{}
	}
	if crypto.ChecksumHex(plaintext) != metadata.ChecksumPlaintext {
		return nil, &IntegrityError{}
	}
	return plaintext, nil
}

func (s *Service) recordFailure(ctx context.Context, backupID, actorID, actorRole, reason string) error {
	metrics.RestoresTotal.WithLabelValues("failed").Inc()
	s.publish(events.EventRestoreFailed, backupID, reason)
	return s.audit.RecordRestoreEvent(ctx, "restore_failed", backupID, actorID, actorRole, "FAILED", reason)
}

func (s *Service) notifyMonitor(ctx context.Context, source string, principal *types.Principal, backupID string) {
	if s.monitor == nil {
		return
	}
	var actorID *string
	if principal != nil {
		id := principal.KeyID
		actorID = &id
	}
	s.monitor.ProcessSecurityEvent(ctx, source, actorID, backupID)
}

func (s *Service) publish(eventType events.EventType, backupID, reason string) {
	if s.broker == nil {
		return
	}
	metadata := map[string]string{"backup_id": backupID}
	if reason != "" {
		metadata["reason"] = reason
	}
	s.broker.Publish(&events.Event{
		Type:     eventType,
		Message:  "restore pipeline event",
		Metadata: metadata,
	})
}

func principalFields(principal *types.Principal) (string, string) {
	if principal == nil {
		return "", ""
	}
	return principal.KeyID, principal.Role
}
