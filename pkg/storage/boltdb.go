package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/warden/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketAuditLog       = []byte("audit_log")
	bucketAuditHashes    = []byte("audit_hashes")
	bucketBackups        = []byte("backups")
	bucketKeyVersions    = []byte("key_versions")
	bucketIncidentStates = []byte("incident_states")
	bucketAlerts         = []byte("alerts")
	bucketAlertDedupe    = []byte("alert_dedupe")
	bucketAPIKeys        = []byte("api_keys")
	bucketAPIKeyHashes   = []byte("api_key_hashes")
	bucketPolicies       = []byte("policies")
	bucketMeta           = []byte("meta")
)

var metaActiveKeyVersion = []byte("active_key_version")

// BoltStore implements Store using BoltDB. Every multi-record operation runs
// inside a single Update transaction, which is what gives the audit chain its
// uniqueness guarantee and crypto-shred its atomic cross-bucket cascade.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "warden.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketAuditLog,
			bucketAuditHashes,
			bucketBackups,
			bucketKeyVersions,
			bucketIncidentStates,
			bucketAlerts,
			bucketAlertDedupe,
			bucketAPIKeys,
			bucketAPIKeyHashes,
			bucketPolicies,
			bucketMeta,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func chainIndexKey(index int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(index))
	return key
}

// --- Audit chain ---

func (s *BoltStore) AppendAuditEntry(ctx context.Context, entry *types.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketAuditLog)
		hashes := tx.Bucket(bucketAuditHashes)

		indexKey := chainIndexKey(entry.ChainIndex)
		if entries.Get(indexKey) != nil {
			return ErrConflict
		}
		if hashes.Get([]byte(entry.EntryHash)) != nil {
			return ErrConflict
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := entries.Put(indexKey, data); err != nil {
			return err
		}
		return hashes.Put([]byte(entry.EntryHash), indexKey)
	})
}

func (s *BoltStore) LatestAuditCursor(ctx context.Context) (int64, string, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}
	var index int64
	var hash string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAuditLog).Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		var entry types.AuditEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return err
		}
		index = entry.ChainIndex
		hash = entry.EntryHash
		return nil
	})
	return index, hash, err
}

func (s *BoltStore) ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*types.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var entries []*types.AuditEntry
	skipped := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAuditLog).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry types.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if filter.Action != "" && entry.Action != filter.Action {
				continue
			}
			if filter.Resource != "" && entry.Resource != filter.Resource {
				continue
			}
			if filter.Status != "" && (entry.Status == nil || *entry.Status != filter.Status) {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			entries = append(entries, &entry)
			if len(entries) >= limit {
				return nil
			}
		}
		return nil
	})
	return entries, err
}

func (s *BoltStore) CountAuditEntries(ctx context.Context, action string, actorKeyID *string, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAuditLog).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry types.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.Action != action {
				continue
			}
			if entry.CreatedAt.Before(since) {
				continue
			}
			if actorKeyID == nil {
				if entry.ActorKeyID != nil {
					continue
				}
			} else if entry.ActorKeyID == nil || *entry.ActorKeyID != *actorKeyID {
				continue
			}
			count++
		}
		return nil
	})
	return count, err
}

// --- Backups ---

func (s *BoltStore) CreateBackup(ctx context.Context, backup *types.BackupMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		if b.Get([]byte(backup.BackupID)) != nil {
			return ErrConflict
		}
		data, err := json.Marshal(backup)
		if err != nil {
			return err
		}
		return b.Put([]byte(backup.BackupID), data)
	})
}

func (s *BoltStore) GetBackup(ctx context.Context, backupID string) (*types.BackupMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var backup types.BackupMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBackups).Get([]byte(backupID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &backup)
	})
	if err != nil {
		return nil, err
	}
	return &backup, nil
}

func (s *BoltStore) UpdateBackup(ctx context.Context, backup *types.BackupMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		if b.Get([]byte(backup.BackupID)) == nil {
			return ErrNotFound
		}
		data, err := json.Marshal(backup)
		if err != nil {
			return err
		}
		return b.Put([]byte(backup.BackupID), data)
	})
}

func (s *BoltStore) ListBackupsByKeyVersion(ctx context.Context, keyVersion string) ([]*types.BackupMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var backups []*types.BackupMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackups).ForEach(func(k, v []byte) error {
			var backup types.BackupMetadata
			if err := json.Unmarshal(v, &backup); err != nil {
				return err
			}
			if backup.KeyVersion == keyVersion {
				backups = append(backups, &backup)
			}
			return nil
		})
	})
	return backups, err
}

// --- Key versions ---

func getKeyVersionTx(tx *bolt.Tx, versionID string) (*types.KeyVersion, error) {
	data := tx.Bucket(bucketKeyVersions).Get([]byte(versionID))
	if data == nil {
		return nil, ErrNotFound
	}
	var version types.KeyVersion
	if err := json.Unmarshal(data, &version); err != nil {
		return nil, err
	}
	return &version, nil
}

func putKeyVersionTx(tx *bolt.Tx, version *types.KeyVersion) error {
	data, err := json.Marshal(version)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketKeyVersions).Put([]byte(version.VersionID), data)
}

func (s *BoltStore) GetKeyVersion(ctx context.Context, versionID string) (*types.KeyVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var version *types.KeyVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getKeyVersionTx(tx, versionID)
		if err != nil {
			return err
		}
		version = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

func (s *BoltStore) GetActiveKeyVersion(ctx context.Context) (*types.KeyVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var version *types.KeyVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		active := tx.Bucket(bucketMeta).Get(metaActiveKeyVersion)
		if active == nil {
			return ErrNotFound
		}
		found, err := getKeyVersionTx(tx, string(active))
		if err != nil {
			return err
		}
		version = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

func (s *BoltStore) ListKeyVersions(ctx context.Context) ([]*types.KeyVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var versions []*types.KeyVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeyVersions).ForEach(func(k, v []byte) error {
			var version types.KeyVersion
			if err := json.Unmarshal(v, &version); err != nil {
				return err
			}
			versions = append(versions, &version)
			return nil
		})
	})
	return versions, err
}

func (s *BoltStore) CreateKeyVersion(ctx context.Context, version *types.KeyVersion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketKeyVersions).Get([]byte(version.VersionID)) != nil {
			return ErrConflict
		}
		return putKeyVersionTx(tx, version)
	})
}

// SetActiveKeyVersion flips the previous active row and the target row in one
// transaction, preserving the at-most-one-active invariant.
func (s *BoltStore) SetActiveKeyVersion(ctx context.Context, toVersionID, rotatedFrom, reason, actorKeyID string, activatedAt time.Time) (*types.KeyVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var activated *types.KeyVersion
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)

		if current := meta.Get(metaActiveKeyVersion); current != nil && string(current) != toVersionID {
			previous, err := getKeyVersionTx(tx, string(current))
			if err == nil {
				previous.IsActive = false
				if err := putKeyVersionTx(tx, previous); err != nil {
					return err
				}
			} else if err != ErrNotFound {
				return err
			}
		}

		target, err := getKeyVersionTx(tx, toVersionID)
		if err != nil {
			return err
		}
		if target.IsDestroyed {
			return ErrAlreadyDestroyed
		}
		target.IsActive = true
		target.RotatedFromVersion = rotatedFrom
		target.RotationReason = reason
		target.CreatedByKeyID = actorKeyID
		ts := activatedAt
		target.ActivatedAt = &ts
		if err := putKeyVersionTx(tx, target); err != nil {
			return err
		}
		if err := meta.Put(metaActiveKeyVersion, []byte(toVersionID)); err != nil {
			return err
		}
		activated = target
		return nil
	})
	if err != nil {
		return nil, err
	}
	return activated, nil
}

// CryptoShredKeyVersion destroys the key version and marks every backup bound
// to it IRREVERSIBLE, all in one transaction with one timestamp.
func (s *BoltStore) CryptoShredKeyVersion(ctx context.Context, versionID, reason string, destroyedAt time.Time) (*types.KeyVersion, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	var destroyed *types.KeyVersion
	affected := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		target, err := getKeyVersionTx(tx, versionID)
		if err != nil {
			return err
		}
		if target.IsDestroyed {
			return ErrAlreadyDestroyed
		}

		target.IsDestroyed = true
		target.IsActive = false
		ts := destroyedAt
		target.DestroyedAt = &ts
		if err := putKeyVersionTx(tx, target); err != nil {
			return err
		}

		meta := tx.Bucket(bucketMeta)
		if current := meta.Get(metaActiveKeyVersion); current != nil && string(current) == versionID {
			if err := meta.Delete(metaActiveKeyVersion); err != nil {
				return err
			}
		}

		backups := tx.Bucket(bucketBackups)
		c := backups.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var backup types.BackupMetadata
			if err := json.Unmarshal(v, &backup); err != nil {
				return err
			}
			if backup.KeyVersion != versionID || backup.Status == types.BackupStatusIrreversible {
				continue
			}
			backup.Status = types.BackupStatusIrreversible
			backup.IrreversibleReason = reason
			shredded := destroyedAt
			backup.ShreddedAt = &shredded
			data, err := json.Marshal(&backup)
			if err != nil {
				return err
			}
			if err := backups.Put(k, data); err != nil {
				return err
			}
			affected++
		}

		destroyed = target
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return destroyed, affected, nil
}

// --- Incident history ---

func (s *BoltStore) AppendIncidentState(ctx context.Context, state *types.IncidentState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIncidentStates)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put(chainIndexKey(int64(seq)), data)
	})
}

func (s *BoltStore) CurrentIncidentState(ctx context.Context) (*types.IncidentState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var state types.IncidentState
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketIncidentStates).Cursor()
		k, v := c.Last()
		if k == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// --- Alerts ---

func (s *BoltStore) CreateAlert(ctx context.Context, alert *types.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		alerts := tx.Bucket(bucketAlerts)
		dedupe := tx.Bucket(bucketAlertDedupe)
		if dedupe.Get([]byte(alert.DedupeKey)) != nil {
			return ErrConflict
		}
		data, err := json.Marshal(alert)
		if err != nil {
			return err
		}
		if err := alerts.Put([]byte(alert.AlertID), data); err != nil {
			return err
		}
		return dedupe.Put([]byte(alert.DedupeKey), []byte(alert.AlertID))
	})
}

func (s *BoltStore) GetAlert(ctx context.Context, alertID string) (*types.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var alert types.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAlerts).Get([]byte(alertID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &alert)
	})
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

func (s *BoltStore) GetAlertByDedupeKey(ctx context.Context, dedupeKey string) (*types.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var alert types.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		alertID := tx.Bucket(bucketAlertDedupe).Get([]byte(dedupeKey))
		if alertID == nil {
			return ErrNotFound
		}
		data := tx.Bucket(bucketAlerts).Get(alertID)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &alert)
	})
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

func (s *BoltStore) ListAlerts(ctx context.Context, status string) ([]*types.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var alerts []*types.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlerts).ForEach(func(k, v []byte) error {
			var alert types.Alert
			if err := json.Unmarshal(v, &alert); err != nil {
				return err
			}
			if status != "" && string(alert.Status) != status {
				return nil
			}
			alerts = append(alerts, &alert)
			return nil
		})
	})
	return alerts, err
}

func (s *BoltStore) UpdateAlertStatus(ctx context.Context, alertID string, status types.AlertStatus, updatedAt time.Time) (*types.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var updated *types.Alert
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		data := b.Get([]byte(alertID))
		if data == nil {
			return ErrNotFound
		}
		var alert types.Alert
		if err := json.Unmarshal(data, &alert); err != nil {
			return err
		}
		alert.Status = status
		ts := updatedAt
		alert.UpdatedAt = &ts
		next, err := json.Marshal(&alert)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(alertID), next); err != nil {
			return err
		}
		updated = &alert
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// --- API keys ---

func (s *BoltStore) CreateAPIKey(ctx context.Context, key *types.APIKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		keys := tx.Bucket(bucketAPIKeys)
		hashes := tx.Bucket(bucketAPIKeyHashes)
		if keys.Get([]byte(key.KeyID)) != nil || hashes.Get([]byte(key.KeyHash)) != nil {
			return ErrConflict
		}
		data, err := json.Marshal(key)
		if err != nil {
			return err
		}
		if err := keys.Put([]byte(key.KeyID), data); err != nil {
			return err
		}
		return hashes.Put([]byte(key.KeyHash), []byte(key.KeyID))
	})
}

func (s *BoltStore) GetAPIKey(ctx context.Context, keyID string) (*types.APIKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var key types.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAPIKeys).Get([]byte(keyID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &key)
	})
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *BoltStore) GetAPIKeyByHash(ctx context.Context, keyHash string) (*types.APIKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var key types.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		keyID := tx.Bucket(bucketAPIKeyHashes).Get([]byte(keyHash))
		if keyID == nil {
			return ErrNotFound
		}
		data := tx.Bucket(bucketAPIKeys).Get(keyID)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &key)
	})
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *BoltStore) ListAPIKeys(ctx context.Context) ([]*types.APIKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []*types.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAPIKeys).ForEach(func(k, v []byte) error {
			var key types.APIKey
			if err := json.Unmarshal(v, &key); err != nil {
				return err
			}
			keys = append(keys, &key)
			return nil
		})
	})
	return keys, err
}

func (s *BoltStore) UpdateAPIKey(ctx context.Context, key *types.APIKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		if b.Get([]byte(key.KeyID)) == nil {
			return ErrNotFound
		}
		data, err := json.Marshal(key)
		if err != nil {
			return err
		}
		return b.Put([]byte(key.KeyID), data)
	})
}

// --- Policy records ---

func (s *BoltStore) CreatePolicy(ctx context.Context, record *types.PolicyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		if b.Get([]byte(record.PolicyID)) != nil {
			return ErrConflict
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put([]byte(record.PolicyID), data)
	})
}

func (s *BoltStore) GetPolicy(ctx context.Context, policyID string) (*types.PolicyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var record types.PolicyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPolicies).Get([]byte(policyID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *BoltStore) ListPolicies(ctx context.Context) ([]*types.PolicyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var records []*types.PolicyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPolicies).ForEach(func(k, v []byte) error {
			var record types.PolicyRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
			return nil
		})
	})
	return records, err
}

func (s *BoltStore) UpdatePolicy(ctx context.Context, record *types.PolicyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		if b.Get([]byte(record.PolicyID)) == nil {
			return ErrNotFound
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put([]byte(record.PolicyID), data)
	})
}
