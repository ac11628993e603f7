package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/warden/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrConflict is returned when a uniqueness constraint is violated,
	// notably on concurrent audit chain appends.
	ErrConflict = errors.New("storage: uniqueness conflict")
	// ErrAlreadyDestroyed is returned when crypto-shredding a key version
	// that is already destroyed.
	ErrAlreadyDestroyed = errors.New("storage: key version already destroyed")
)

// AuditFilter narrows audit entry listings. Zero values match everything.
type AuditFilter struct {
	Offset   int
	Limit    int
	Action   string
	Resource string
	Status   string
}

// Store is the transactional metadata store behind all Warden subsystems.
type Store interface {
	Close() error

	// Audit chain. AppendAuditEntry enforces uniqueness of chain_index and
	// entry_hash and returns ErrConflict when a concurrent writer won the
	// race; callers retry from a fresh cursor read.
	AppendAuditEntry(ctx context.Context, entry *types.AuditEntry) error
	LatestAuditCursor(ctx context.Context) (int64, string, error)
	ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*types.AuditEntry, error)
	CountAuditEntries(ctx context.Context, action string, actorKeyID *string, since time.Time) (int, error)

	// Backups
	CreateBackup(ctx context.Context, backup *types.BackupMetadata) error
	GetBackup(ctx context.Context, backupID string) (*types.BackupMetadata, error)
	UpdateBackup(ctx context.Context, backup *types.BackupMetadata) error
	ListBackupsByKeyVersion(ctx context.Context, keyVersion string) ([]*types.BackupMetadata, error)

	// Key versions. SetActiveKeyVersion deactivates the previous active row
	// and activates the target in one transaction. CryptoShredKeyVersion
	// destroys the version and marks every dependent backup IRREVERSIBLE in
	// one transaction with one timestamp, returning the affected count.
	GetKeyVersion(ctx context.Context, versionID string) (*types.KeyVersion, error)
	GetActiveKeyVersion(ctx context.Context) (*types.KeyVersion, error)
	ListKeyVersions(ctx context.Context) ([]*types.KeyVersion, error)
	CreateKeyVersion(ctx context.Context, version *types.KeyVersion) error
	SetActiveKeyVersion(ctx context.Context, toVersionID, rotatedFrom, reason, actorKeyID string, activatedAt time.Time) (*types.KeyVersion, error)
	CryptoShredKeyVersion(ctx context.Context, versionID, reason string, destroyedAt time.Time) (*types.KeyVersion, int, error)

	// Incident history (append-only; current level = latest row)
	AppendIncidentState(ctx context.Context, state *types.IncidentState) error
	CurrentIncidentState(ctx context.Context) (*types.IncidentState, error)

	// Alerts
	CreateAlert(ctx context.Context, alert *types.Alert) error
	GetAlert(ctx context.Context, alertID string) (*types.Alert, error)
	GetAlertByDedupeKey(ctx context.Context, dedupeKey string) (*types.Alert, error)
	ListAlerts(ctx context.Context, status string) ([]*types.Alert, error)
	UpdateAlertStatus(ctx context.Context, alertID string, status types.AlertStatus, updatedAt time.Time) (*types.Alert, error)

	// API keys
	CreateAPIKey(ctx context.Context, key *types.APIKey) error
	GetAPIKey(ctx context.Context, keyID string) (*types.APIKey, error)
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*types.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*types.APIKey, error)
	UpdateAPIKey(ctx context.Context, key *types.APIKey) error

	// Policy records
	CreatePolicy(ctx context.Context, record *types.PolicyRecord) error
	GetPolicy(ctx context.Context, policyID string) (*types.PolicyRecord, error)
	ListPolicies(ctx context.Context) ([]*types.PolicyRecord, error)
	UpdatePolicy(ctx context.Context, record *types.PolicyRecord) error
}
