// warden-migrate rebuilds the audit hash chain for databases whose entries
// predate chaining or were imported from a legacy flat log. Entries are
// ordered by (created_at, event_id), reindexed from 1, and every prev_hash
// and entry_hash is recomputed so a subsequent chain validation passes.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/warden/pkg/audit"
	"github.com/cuemby/warden/pkg/types"
)

// Bucket names mirrored from the storage layer.
var (
	bucketAuditLog    = []byte("audit_log")
	bucketAuditHashes = []byte("audit_hashes")
)

var (
	dataDir    = flag.String("data-dir", "./warden-data", "Warden data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be rebuilt without making changes")
	backupPath = flag.String("backup", "", "Path to backup the database before migration (default: <data-dir>/warden.db.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Warden Database Migration Tool - Audit Chain Rebuild")
	log.Println("====================================================")

	dbPath := filepath.Join(*dataDir, "warden.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := rebuildChain(db, *dryRun); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if *dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to rebuild the chain.")
	} else {
		log.Println("\n✓ Migration completed successfully!")
		log.Println("Verify with: warden validate-chain")
	}
}

func rebuildChain(db *bolt.DB, dryRun bool) error {
	var entries []*types.AuditEntry
	var skipped int

	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditLog)
		if b == nil {
			log.Println("✓ No audit_log bucket found - nothing to rebuild")
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var entry types.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				skipped++
				log.Printf("⚠ Warning: Skipping invalid JSON for key %x: %v", k, err)
				return nil
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		log.Println("✓ No audit entries found")
		return nil
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].EventID < entries[j].EventID
	})

	var relinked int
	var prevHash *string
	for i, entry := range entries {
		index := int64(i + 1)
		hash := audit.EntryHash(&types.AuditEntry{
			ChainIndex: index,
			PrevHash:   prevHash,
			CreatedAt:  entry.CreatedAt,
			EventID:    entry.EventID,
			Action:     entry.Action,
			Resource:   entry.Resource,
			ResourceID: entry.ResourceID,
			ActorKeyID: entry.ActorKeyID,
			ActorRole:  entry.ActorRole,
			Status:     entry.Status,
			Reason:     entry.Reason,
		})
		if entry.ChainIndex != index || entry.EntryHash != hash || !equalOptional(entry.PrevHash, prevHash) {
			relinked++
		}
		entry.ChainIndex = index
		entry.PrevHash = prevHash
		entry.EntryHash = hash
		prevHash = &entries[i].EntryHash
	}

	log.Printf("Found %d entries, %d need relinking (%d skipped)", len(entries), relinked, skipped)
	if relinked == 0 {
		log.Println("✓ Chain already consistent")
		return nil
	}
	if dryRun {
		log.Println("\n[DRY RUN] Would perform the following operations:")
		log.Println("1. Clear the audit_log and audit_hashes buckets")
		log.Printf("2. Rewrite %d entries in (created_at, event_id) order", len(entries))
		log.Println("3. Recompute every chain_index, prev_hash, and entry_hash")
		return nil
	}

	return db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketAuditLog, bucketAuditHashes} {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return fmt.Errorf("failed to clear bucket %s: %w", name, err)
				}
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("failed to recreate bucket %s: %w", name, err)
			}
		}

		logBucket := tx.Bucket(bucketAuditLog)
		hashBucket := tx.Bucket(bucketAuditHashes)
		for i, entry := range entries {
			data, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("failed to marshal entry %s: %w", entry.EventID, err)
			}
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, uint64(entry.ChainIndex))
			if err := logBucket.Put(key, data); err != nil {
				return fmt.Errorf("failed to write entry %s: %w", entry.EventID, err)
			}
			if err := hashBucket.Put([]byte(entry.EntryHash), key); err != nil {
				return fmt.Errorf("failed to index entry %s: %w", entry.EventID, err)
			}
			if (i+1)%100 == 0 {
				log.Printf("  Rewritten %d/%d...", i+1, len(entries))
			}
		}
		log.Printf("✓ Rewrote %d entries with a consistent chain", len(entries))
		return nil
	})
}

func equalOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
