package types

import (
	"fmt"
	"time"
)

// Classification is the sensitivity level assigned to a backup payload.
type Classification string

const (
	ClassificationPublic       Classification = "PUBLIC"
	ClassificationInternal     Classification = "INTERNAL"
	ClassificationConfidential Classification = "CONFIDENTIAL"
	ClassificationSecret       Classification = "SECRET"
)

// ParseClassification validates a persisted or user-supplied classification.
// Unknown values are rejected so stores with corrupted rows fail closed.
func ParseClassification(value string) (Classification, error) {
	switch Classification(value) {
	case ClassificationPublic, ClassificationInternal, ClassificationConfidential, ClassificationSecret:
		return Classification(value), nil
	}
	return "", fmt.Errorf("unknown classification: %q", value)
}

// BackupStatus tracks a backup record through its lifecycle.
type BackupStatus string

const (
	BackupStatusProcessing   BackupStatus = "PROCESSING"
	BackupStatusActive       BackupStatus = "ACTIVE"
	BackupStatusFailed       BackupStatus = "FAILED"
	BackupStatusIrreversible BackupStatus = "IRREVERSIBLE"
)

// IncidentLevel is the global gate controlling restore availability.
type IncidentLevel string

const (
	IncidentLevelNormal     IncidentLevel = "NORMAL"
	IncidentLevelQuarantine IncidentLevel = "QUARANTINE"
	IncidentLevelLockdown   IncidentLevel = "LOCKDOWN"
)

// ParseIncidentLevel validates a persisted incident level. Unknown persisted
// values must be treated as fail-secure by callers.
func ParseIncidentLevel(value string) (IncidentLevel, error) {
	switch IncidentLevel(value) {
	case IncidentLevelNormal, IncidentLevelQuarantine, IncidentLevelLockdown:
		return IncidentLevel(value), nil
	}
	return "", fmt.Errorf("unknown incident level: %q", value)
}

// AlertSeverity ranks monitoring alerts.
type AlertSeverity string

const (
	AlertSeverityLow      AlertSeverity = "LOW"
	AlertSeverityMedium   AlertSeverity = "MEDIUM"
	AlertSeverityHigh     AlertSeverity = "HIGH"
	AlertSeverityCritical AlertSeverity = "CRITICAL"
)

// AlertStatus is the review state of a monitoring alert.
type AlertStatus string

const (
	AlertStatusOpen         AlertStatus = "OPEN"
	AlertStatusAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertStatusResolved     AlertStatus = "RESOLVED"
)

// ParseAlertStatus validates an alert status supplied by the admin surface.
func ParseAlertStatus(value string) (AlertStatus, error) {
	switch AlertStatus(value) {
	case AlertStatusOpen, AlertStatusAcknowledged, AlertStatusResolved:
		return AlertStatus(value), nil
	}
	return "", fmt.Errorf("unknown alert status: %q", value)
}

// Principal is the authenticated identity resolved from a presented API key.
type Principal struct {
	KeyID      string `json:"key_id"`
	Role       string `json:"role"`
	Department string `json:"department"`
}

// AuditEntry is one link of the hash chain. Entries are append-only and never
// mutated; optional fields are pointers because null is significant for the
// canonical hash input.
type AuditEntry struct {
	ChainIndex int64     `json:"chain_index"`
	PrevHash   *string   `json:"prev_hash"`
	EntryHash  string    `json:"entry_hash"`
	CreatedAt  time.Time `json:"created_at"`
	EventID    string    `json:"event_id"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	ResourceID *string   `json:"resource_id"`
	ActorKeyID *string   `json:"actor_key_id"`
	ActorRole  *string   `json:"actor_role"`
	Status     *string   `json:"status"`
	Reason     *string   `json:"reason"`
}

// BackupMetadata describes one submitted backup. Storage and crypto fields are
// empty until the submission pipeline finalizes the record.
type BackupMetadata struct {
	BackupID           string         `json:"backup_id"`
	KeyVersion         string         `json:"key_version,omitempty"`
	Classification     Classification `json:"classification"`
	SourceSystem       string         `json:"source_system"`
	Description        string         `json:"description,omitempty"`
	Status             BackupStatus   `json:"status"`
	StoragePath        string         `json:"storage_path,omitempty"`
	ChecksumPlaintext  string         `json:"checksum_plaintext,omitempty"`
	ChecksumCiphertext string         `json:"checksum_ciphertext,omitempty"`
	Nonce              string         `json:"nonce,omitempty"`
	OriginalSize       int64          `json:"original_size,omitempty"`
	EncryptedSize      int64          `json:"encrypted_size,omitempty"`
	CreatedBy          string         `json:"created_by,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	FailureReason      string         `json:"failure_reason,omitempty"`
	IrreversibleReason string         `json:"irreversible_reason,omitempty"`
	ShreddedAt         *time.Time     `json:"shredded_at,omitempty"`
}

// KeyVersion tracks one provisioned encryption key. At most one version is
// active at a time; a destroyed version never becomes active again.
type KeyVersion struct {
	VersionID          string     `json:"version_id"`
	IsActive           bool       `json:"is_active"`
	IsDestroyed        bool       `json:"is_destroyed"`
	RotatedFromVersion string     `json:"rotated_from_version,omitempty"`
	CreatedByKeyID     string     `json:"created_by_key_id,omitempty"`
	RotationReason     string     `json:"rotation_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	ActivatedAt        *time.Time `json:"activated_at,omitempty"`
	DestroyedAt        *time.Time `json:"destroyed_at,omitempty"`
}

// IncidentState is one row of the append-only incident history. The current
// level is the latest row by ChangedAt.
type IncidentState struct {
	Level          string    `json:"level"`
	ChangedByKeyID string    `json:"changed_by_key_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	ChangedAt      time.Time `json:"changed_at"`
}

// Alert is a deduplicated monitoring alert. DedupeKey is unique per
// (rule, actor, window bucket) so one threshold crossing yields one alert.
type Alert struct {
	AlertID         string        `json:"alert_id"`
	RuleID          string        `json:"rule_id"`
	Severity        AlertSeverity `json:"severity"`
	Status          AlertStatus   `json:"status"`
	SourceEvent     string        `json:"source_event"`
	ActorKeyID      string        `json:"actor_key_id,omitempty"`
	RelatedBackupID string        `json:"related_backup_id,omitempty"`
	Reason          string        `json:"reason"`
	MetadataJSON    string        `json:"metadata_json,omitempty"`
	DedupeKey       string        `json:"dedupe_key"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       *time.Time    `json:"updated_at,omitempty"`
}

// APIKey is the persisted form of an issued API key. The raw key is shown
// exactly once at creation; only its SHA-512 hash and 8-char prefix survive.
type APIKey struct {
	KeyID       string     `json:"key_id"`
	KeyHash     string     `json:"key_hash"`
	KeyPrefix   string     `json:"key_prefix"`
	Role        string     `json:"role"`
	Department  string     `json:"department"`
	Description string     `json:"description,omitempty"`
	AllowedIPs  []string   `json:"allowed_ips,omitempty"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	LastUsedIP  string     `json:"last_used_ip,omitempty"`
}

// PolicyRecord is a persisted policy document managed through the admin
// surface. The in-memory policy engine carries the enforced defaults; records
// exist for review and future activation.
type PolicyRecord struct {
	PolicyID    string     `json:"policy_id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	RulesJSON   string     `json:"rules_json"`
	IsActive    bool       `json:"is_active"`
	CreatedBy   string     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}
