package keymgmt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/warden/pkg/audit"
	"github.com/cuemby/warden/pkg/auth"
	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/incident"
	"github.com/cuemby/warden/pkg/keystore"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/types"
)

// ErrVersionNotFound is returned for lookups of unknown key versions.
var ErrVersionNotFound = errors.New("keymgmt: key version not found")

// RotationError rejects a rotation or active-key access with a stable
// reason category.
type RotationError struct {
	Message        string
	ReasonCategory string
}

func (e *RotationError) Error() string {
	return fmt.Sprintf("key rotation: %s (%s)", e.Message, e.ReasonCategory)
}

// ShredError rejects a crypto-shred with a stable reason category.
// key_not_found maps to 404 at the API; everything else is a 403.
type ShredError struct {
	Message        string
	ReasonCategory string
}

func (e *ShredError) Error() string {
	return fmt.Sprintf("crypto shred: %s (%s)", e.Message, e.ReasonCategory)
}

// VersionStore is the slice of the metadata store the key lifecycle uses.
type VersionStore interface {
	GetKeyVersion(ctx context.Context, versionID string) (*types.KeyVersion, error)
	GetActiveKeyVersion(ctx context.Context) (*types.KeyVersion, error)
	ListKeyVersions(ctx context.Context) ([]*types.KeyVersion, error)
	CreateKeyVersion(ctx context.Context, version *types.KeyVersion) error
	SetActiveKeyVersion(ctx context.Context, toVersionID, rotatedFrom, reason, actorKeyID string, activatedAt time.Time) (*types.KeyVersion, error)
	CryptoShredKeyVersion(ctx context.Context, versionID, reason string, destroyedAt time.Time) (*types.KeyVersion, int, error)
	ListBackupsByKeyVersion(ctx context.Context, keyVersion string) ([]*types.BackupMetadata, error)
}

// IncidentControl is the incident capability crypto-shred escalates through.
type IncidentControl interface {
	CurrentLevel(ctx context.Context) (types.IncidentLevel, error)
	Transition(ctx context.Context, target types.IncidentLevel, actor *types.Principal, reason, clientIP string) (*types.IncidentState, error)
}

// MFAValidator verifies the second factor for destructive operations.
type MFAValidator interface {
	ValidateMFAToken(ctx context.Context, principal *types.Principal, mfaToken, clientIP string) error
}

// ShredResult reports a completed crypto-shred.
type ShredResult struct {
	VersionID       string `json:"version_id"`
	Destroyed       bool   `json:"destroyed"`
	AffectedBackups int    `json:"affected_backups"`
	IncidentEffect  string `json:"incident_effect"`
}

// ShredOutcome summarizes a key version and its dependent backups for the
// post-shred review surface.
type ShredOutcome struct {
	VersionID           string     `json:"version_id"`
	KeyDestroyed        bool       `json:"key_destroyed"`
	DestroyedAt         *time.Time `json:"destroyed_at,omitempty"`
	TotalBackups        int        `json:"total_backups"`
	IrreversibleBackups int        `json:"irreversible_backups"`
	ActiveBackups       int        `json:"active_backups"`
	ProcessingBackups   int        `json:"processing_backups"`
	FailedBackups       int        `json:"failed_backups"`
	LastShreddedAt      *time.Time `json:"last_shredded_at,omitempty"`
	IrreversibleReason  string     `json:"irreversible_reason,omitempty"`
}

// Service owns the encryption key lifecycle: seeding, rotation, and
// crypto-shred.
type Service struct {
	store     VersionStore
	keys      keystore.Store
	audit     *audit.Service
	incidents IncidentControl
	mfa       MFAValidator
	broker    *events.Broker
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService creates the key lifecycle service.
func NewService(store VersionStore, keys keystore.Store, auditService *audit.Service, incidents IncidentControl, mfa MFAValidator, broker *events.Broker) *Service {
	return &Service{
		store:     store,
		keys:      keys,
		audit:     auditService,
		incidents: incidents,
		mfa:       mfa,
		broker:    broker,
		logger:    log.WithComponent("keymgmt"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source, used in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ensureActiveSeed returns the active key version, seeding the tracking row
// from provisioned key material on first use.
func (s *Service) ensureActiveSeed(ctx context.Context) (*types.KeyVersion, error) {
	active, err := s.store.GetActiveKeyVersion(ctx)
	if err == nil {
		return active, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load active key version: %w", err)
	}

	material, err := s.keys.ActiveKey()
	if err != nil {
		return nil, &RotationError{Message: "Active key material unavailable", ReasonCategory: "key_material_missing"}
	}
	if _, err := s.store.GetKeyVersion(ctx, material.VersionID); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to load key version: %w", err)
		}
		if err := s.store.CreateKeyVersion(ctx, &types.KeyVersion{
			VersionID: material.VersionID,
			CreatedAt: s.now(),
		}); err != nil {
			return nil, fmt.Errorf("failed to create key version: %w", err)
		}
	}
	activated, err := s.store.SetActiveKeyVersion(ctx, material.VersionID, "", "initial_seed", "", s.now())
	if err != nil {
		return nil, &RotationError{Message: "Failed to seed active key version", ReasonCategory: "seed_failed"}
	}
	s.logger.Info().Str("version_id", activated.VersionID).Msg("Seeded active key version from key store")
	return activated, nil
}

// GetActiveKeyMaterial resolves the raw key bytes for the active version.
func (s *Service) GetActiveKeyMaterial(ctx context.Context) (keystore.Material, error) {
	active, err := s.ensureActiveSeed(ctx)
	if err != nil {
		return keystore.Material{}, err
	}
	if active.IsDestroyed {
		return keystore.Material{}, &RotationError{Message: "Active key version is destroyed", ReasonCategory: "destroyed_active_key"}
	}
	material, err := s.keys.Key(active.VersionID)
	if err != nil {
		return keystore.Material{}, &RotationError{Message: "Active key material unavailable", ReasonCategory: "key_material_missing"}
	}
	return material, nil
}

// RotateActiveVersion atomically moves the active marker to the target
// version. Rotating to the current version is rejected without an audit
// entry; nothing changed.
func (s *Service) RotateActiveVersion(ctx context.Context, toVersionID string, actor *types.Principal, reason, clientIP string) (*types.KeyVersion, error) {
	current, err := s.ensureActiveSeed(ctx)
	if err != nil {
		return nil, err
	}
	if current.VersionID == toVersionID {
		return nil, &RotationError{Message: "Target key version already active", ReasonCategory: "no_state_change"}
	}
	if _, err := s.keys.Key(toVersionID); err != nil {
		return nil, &RotationError{Message: "Target key material not found", ReasonCategory: "key_material_missing"}
	}

	target, err := s.store.GetKeyVersion(ctx, toVersionID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to load key version: %w", err)
		}
		if err := s.store.CreateKeyVersion(ctx, &types.KeyVersion{
			VersionID: toVersionID,
			CreatedAt: s.now(),
		}); err != nil {
			return nil, fmt.Errorf("failed to create key version: %w", err)
		}
	} else if target.IsDestroyed {
		return nil, &RotationError{Message: "Target key version destroyed", ReasonCategory: "target_destroyed"}
	}

	actorID := actorKeyID(actor)
	updated, err := s.store.SetActiveKeyVersion(ctx, toVersionID, current.VersionID, reason, actorID, s.now())
	if err != nil {
		return nil, &RotationError{Message: "Failed to activate target key version", ReasonCategory: "activation_failed"}
	}
	if err := s.audit.RecordKeyRotation(ctx, actorID, current.VersionID, toVersionID, clientIP); err != nil {
		return nil, err
	}
	metrics.KeyRotationsTotal.Inc()
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:    events.EventKeyRotated,
			Message: "active key version rotated",
			Metadata: map[string]string{
				"from": current.VersionID,
				"to":   toVersionID,
			},
		})
	}
	return updated, nil
}

// ListVersions returns all tracked key versions, newest first.
func (s *Service) ListVersions(ctx context.Context) ([]*types.KeyVersion, error) {
	return s.store.ListKeyVersions(ctx)
}

// GetVersion returns one tracked key version.
func (s *Service) GetVersion(ctx context.Context, versionID string) (*types.KeyVersion, error) {
	version, err := s.store.GetKeyVersion(ctx, versionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrVersionNotFound
		}
		return nil, fmt.Errorf("failed to load key version: %w", err)
	}
	return version, nil
}

// GetShredOutcome summarizes a version and the state of its dependent
// backups, whether or not the version has been shredded yet.
func (s *Service) GetShredOutcome(ctx context.Context, versionID string) (*ShredOutcome, error) {
	version, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	backups, err := s.store.ListBackupsByKeyVersion(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups for key version: %w", err)
	}

	outcome := &ShredOutcome{
		VersionID:    versionID,
		KeyDestroyed: version.IsDestroyed,
		DestroyedAt:  version.DestroyedAt,
		TotalBackups: len(backups),
	}
	for _, backup := range backups {
		switch backup.Status {
		case types.BackupStatusIrreversible:
			outcome.IrreversibleBackups++
			if backup.ShreddedAt != nil {
				if outcome.LastShreddedAt == nil || backup.ShreddedAt.After(*outcome.LastShreddedAt) {
					outcome.LastShreddedAt = backup.ShreddedAt
				}
			}
			if outcome.IrreversibleReason == "" && backup.IrreversibleReason != "" {
				outcome.IrreversibleReason = backup.IrreversibleReason
			}
		case types.BackupStatusActive:
			outcome.ActiveBackups++
		case types.BackupStatusProcessing:
			outcome.ProcessingBackups++
		case types.BackupStatusFailed:
			outcome.FailedBackups++
		}
	}
	return outcome, nil
}

// ExecuteCryptoShred destroys a key version and marks every dependent backup
// IRREVERSIBLE, then escalates the incident level to LOCKDOWN. The shred
// commits even when the escalation is rejected; the incident effect reports
// which happened.
func (s *Service) ExecuteCryptoShred(ctx context.Context, versionID string, principal *types.Principal, mfaToken, confirmation, clientIP string) (*ShredResult, error) {
	if principal == nil || principal.Role != "super_admin" {
		if err := s.recordShredDenied(ctx, principal, versionID, clientIP); err != nil {
			return nil, err
		}
		metrics.CryptoShredsTotal.WithLabelValues("denied").Inc()
		return nil, &ShredError{Message: "Privileged role required", ReasonCategory: "insufficient_role"}
	}
	if confirmation != "DESTROY "+versionID {
		if err := s.recordShredDenied(ctx, principal, versionID, clientIP); err != nil {
			return nil, err
		}
		metrics.CryptoShredsTotal.WithLabelValues("denied").Inc()
		return nil, &ShredError{Message: "Explicit confirmation mismatch", ReasonCategory: "missing_confirmation"}
	}
	if err := s.mfa.ValidateMFAToken(ctx, principal, mfaToken, clientIP); err != nil {
		if recordErr := s.recordShredDenied(ctx, principal, versionID, clientIP); recordErr != nil {
			return nil, recordErr
		}
		metrics.CryptoShredsTotal.WithLabelValues("denied").Inc()
		var failure *auth.Failure
		if errors.As(err, &failure) {
			return nil, &ShredError{Message: failure.Message, ReasonCategory: strings.ToLower(failure.Code)}
		}
		return nil, err
	}

	if err := s.audit.RecordAdminAction(ctx, principal.KeyID, "crypto_shred_started", "key_version", versionID, clientIP); err != nil {
		return nil, err
	}

	_, affected, err := s.store.CryptoShredKeyVersion(ctx, versionID, "crypto_shredded", s.now())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if recordErr := s.recordShredDenied(ctx, principal, versionID, clientIP); recordErr != nil {
				return nil, recordErr
			}
			metrics.CryptoShredsTotal.WithLabelValues("denied").Inc()
			return nil, &ShredError{Message: "Key version not found", ReasonCategory: "key_not_found"}
		case errors.Is(err, storage.ErrAlreadyDestroyed):
			if recordErr := s.recordShredDenied(ctx, principal, versionID, clientIP); recordErr != nil {
				return nil, recordErr
			}
			metrics.CryptoShredsTotal.WithLabelValues("denied").Inc()
			return nil, &ShredError{Message: "Key version already destroyed", ReasonCategory: "already_destroyed"}
		default:
			return nil, fmt.Errorf("failed to crypto-shred key version: %w", err)
		}
	}

	incidentEffect := "unchanged"
	if s.incidents != nil {
		incidentEffect, err = s.applyIncidentEffect(ctx, principal, clientIP)
		if err != nil {
			return nil, err
		}
		if err := s.audit.RecordAdminAction(ctx, principal.KeyID, "incident_effect_applied", "incident", incidentEffect, clientIP); err != nil {
			return nil, err
		}
	}

	if err := s.audit.RecordAdminAction(ctx, principal.KeyID, "crypto_shred_completed", "key_version", versionID, clientIP); err != nil {
		return nil, err
	}
	metrics.CryptoShredsTotal.WithLabelValues("completed").Inc()
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:    events.EventKeyShredded,
			Message: "key version crypto-shredded",
			Metadata: map[string]string{
				"version_id":      versionID,
				"incident_effect": incidentEffect,
			},
		})
	}
	s.logger.Warn().
		Str("version_id", versionID).
		Int("affected_backups", affected).
		Str("incident_effect", incidentEffect).
		Msg("Crypto-shred executed")

	return &ShredResult{
		VersionID:       versionID,
		Destroyed:       true,
		AffectedBackups: affected,
		IncidentEffect:  incidentEffect,
	}, nil
}

func (s *Service) applyIncidentEffect(ctx context.Context, principal *types.Principal, clientIP string) (string, error) {
	level, err := s.incidents.CurrentLevel(ctx)
	if err != nil {
		if errors.Is(err, incident.ErrInvalidPersistedState) {
			return "transition_denied", nil
		}
		return "", err
	}
	if level == types.IncidentLevelLockdown {
		return "already_lockdown", nil
	}
	_, err = s.incidents.Transition(ctx, types.IncidentLevelLockdown, principal, "crypto_shred_executed", clientIP)
	if err != nil {
		var transitionErr *incident.TransitionError
		if errors.As(err, &transitionErr) || errors.Is(err, incident.ErrNoStateChange) {
			return "transition_denied", nil
		}
		return "", err
	}
	return "escalated_to_lockdown", nil
}

func (s *Service) recordShredDenied(ctx context.Context, principal *types.Principal, versionID, clientIP string) error {
	return s.audit.RecordAdminAction(ctx, actorKeyID(principal), "crypto_shred_denied", "key_version", versionID, clientIP)
}

func actorKeyID(principal *types.Principal) string {
	if principal == nil {
		return ""
	}
	return principal.KeyID
}
