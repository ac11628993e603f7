package keymgmt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/cuemby/warden/pkg/audit"
	"github.com/cuemby/warden/pkg/auth"
	"github.com/cuemby/warden/pkg/incident"
	"github.com/cuemby/warden/pkg/keystore"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type testEnv struct {
	svc       *Service
	store     *storage.BoltStore
	keys      *keystore.MemoryStore
	audit     *audit.Service
	incidents *incident.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	keys := keystore.NewMemoryStore("P-001")
	keys.SetKey("P-001", bytes.Repeat([]byte{0x11}, 32))

	auditSvc := audit.NewService(store)
	authSvc := auth.NewService(store, auditSvc)
	incidentSvc := incident.NewService(store, auditSvc, nil, "")

	svc := NewService(store, keys, auditSvc, incidentSvc, authSvc, nil)
	return &testEnv{svc: svc, store: store, keys: keys, audit: auditSvc, incidents: incidentSvc}
}

func superAdmin() *types.Principal {
	return &types.Principal{KeyID: "key-root", Role: "super_admin", Department: "security"}
}

func assertRotationError(t *testing.T, err error, wantCategory string) {
	t.Helper()
	var rotationErr *RotationError
	if !errors.As(err, &rotationErr) {
		t.Fatalf("expected RotationError, got %v", err)
	}
	if rotationErr.ReasonCategory != wantCategory {
		t.Errorf("reason category = %q, want %q", rotationErr.ReasonCategory, wantCategory)
	}
}

func assertShredError(t *testing.T, err error, wantCategory string) {
	t.Helper()
	var shredErr *ShredError
	if !errors.As(err, &shredErr) {
		t.Fatalf("expected ShredError, got %v", err)
	}
	if shredErr.ReasonCategory != wantCategory {
		t.Errorf("reason category = %q, want %q", shredErr.ReasonCategory, wantCategory)
	}
}

func TestSeedActiveVersionOnFirstUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	material, err := env.svc.GetActiveKeyMaterial(ctx)
	if err != nil {
		t.Fatalf("get active key material: %v", err)
	}
	if material.VersionID != "P-001" {
		t.Errorf("material version = %q, want P-001", material.VersionID)
	}

	active, err := env.store.GetActiveKeyVersion(ctx)
	if err != nil {
		t.Fatalf("load active version: %v", err)
	}
	if !active.IsActive || active.VersionID != "P-001" {
		t.Errorf("unexpected active version %+v", active)
	}
	if active.RotationReason != "initial_seed" {
		t.Errorf("rotation reason = %q, want initial_seed", active.RotationReason)
	}
}

func TestRotateActiveVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.keys.SetKey("P-002", bytes.Repeat([]byte{0x22}, 32))

	rotated, err := env.svc.RotateActiveVersion(ctx, "P-002", superAdmin(), "scheduled rotation", "10.0.0.1")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !rotated.IsActive || rotated.VersionID != "P-002" {
		t.Errorf("unexpected rotated version %+v", rotated)
	}
	if rotated.RotatedFromVersion != "P-001" {
		t.Errorf("rotated_from = %q, want P-001", rotated.RotatedFromVersion)
	}

	previous, err := env.store.GetKeyVersion(ctx, "P-001")
	if err != nil {
		t.Fatalf("load previous version: %v", err)
	}
	if previous.IsActive {
		t.Error("previous version still active after rotation")
	}

	count, err := env.store.CountAuditEntries(ctx, "key_rotation", nil, time.Time{})
	if err != nil {
		t.Fatalf("count rotations: %v", err)
	}
	if count != 0 {
		// key_rotation entries carry the actor; none should be anonymous.
		t.Errorf("anonymous rotation entries = %d, want 0", count)
	}
	actor := "key-root"
	count, err = env.store.CountAuditEntries(ctx, "key_rotation", &actor, time.Time{})
	if err != nil {
		t.Fatalf("count rotations: %v", err)
	}
	if count != 1 {
		t.Errorf("rotation audit entries = %d, want 1", count)
	}
}

func TestRotateRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Same target as active: nothing changed, nothing audited.
	_, err := env.svc.RotateActiveVersion(ctx, "P-001", superAdmin(), "", "")
	assertRotationError(t, err, "no_state_change")

	// Target material not provisioned.
	_, err = env.svc.RotateActiveVersion(ctx, "P-404", superAdmin(), "", "")
	assertRotationError(t, err, "key_material_missing")

	// Destroyed target never becomes active again.
	env.keys.SetKey("P-002", bytes.Repeat([]byte{0x22}, 32))
	if _, err := env.svc.RotateActiveVersion(ctx, "P-002", superAdmin(), "", ""); err != nil {
		t.Fatalf("rotate to P-002: %v", err)
	}
	env.keys.SetKey("P-003", bytes.Repeat([]byte{0x33}, 32))
	if _, err := env.svc.RotateActiveVersion(ctx, "P-003", superAdmin(), "", ""); err != nil {
		t.Fatalf("rotate to P-003: %v", err)
	}
	admin := superAdmin()
	if _, err := env.svc.ExecuteCryptoShred(ctx, "P-002", admin, "mfa:"+admin.KeyID, "DESTROY P-002", "10.0.0.1"); err != nil {
		t.Fatalf("shred P-002: %v", err)
	}
	// Leave LOCKDOWN so later assertions see a clean slate.
	_, err = env.svc.RotateActiveVersion(ctx, "P-002", superAdmin(), "", "")
	assertRotationError(t, err, "target_destroyed")
}

func TestGetActiveKeyMaterialMissingFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.GetActiveKeyMaterial(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Simulate operator removing the key file after seeding.
	env.keys = keystore.NewMemoryStore("P-001")
	env.svc.keys = env.keys

	_, err := env.svc.GetActiveKeyMaterial(ctx)
	assertRotationError(t, err, "key_material_missing")
}

func TestCryptoShredPreconditions(t *testing.T) {
	operator := &types.Principal{KeyID: "key-op", Role: "operator"}
	admin := superAdmin()

	tests := []struct {
		name         string
		principal    *types.Principal
		mfaToken     string
		confirmation string
		versionID    string
		wantCategory string
	}{
		{"requires super_admin", operator, "mfa:key-op", "DESTROY P-001", "P-001", "insufficient_role"},
		{"missing principal", nil, "", "DESTROY P-001", "P-001", "insufficient_role"},
		{"wrong confirmation", admin, "mfa:key-root", "destroy P-001", "P-001", "missing_confirmation"},
		{"missing mfa", admin, "", "DESTROY P-001", "P-001", "mfa_required"},
		{"invalid mfa", admin, "mfa:someone-else", "DESTROY P-001", "P-001", "mfa_invalid"},
		{"unknown version", admin, "mfa:key-root", "DESTROY P-404", "P-404", "key_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.svc.ExecuteCryptoShred(context.Background(), tt.versionID, tt.principal, tt.mfaToken, tt.confirmation, "10.0.0.1")
			assertShredError(t, err, tt.wantCategory)

			count, countErr := env.store.CountAuditEntries(context.Background(), "crypto_shred_denied", nil, time.Time{})
			if countErr != nil {
				t.Fatalf("count denials: %v", countErr)
			}
			actorID := ""
			if tt.principal != nil {
				actorID = tt.principal.KeyID
				count, countErr = env.store.CountAuditEntries(context.Background(), "crypto_shred_denied", &actorID, time.Time{})
				if countErr != nil {
					t.Fatalf("count denials: %v", countErr)
				}
			}
			if count != 1 {
				t.Errorf("crypto_shred_denied entries = %d, want 1", count)
			}
		})
	}
}

func TestCryptoShredCascade(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := superAdmin()

	if _, err := env.svc.GetActiveKeyMaterial(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for _, backupID := range []string{"bkp-a", "bkp-b"} {
		if err := env.store.CreateBackup(ctx, &types.BackupMetadata{
			BackupID:       backupID,
			KeyVersion:     "P-001",
			Classification: types.ClassificationSecret,
			SourceSystem:   "db-primary",
			Status:         types.BackupStatusActive,
			CreatedAt:      time.Now().UTC(),
		}); err != nil {
			t.Fatalf("seed backup %s: %v", backupID, err)
		}
	}

	result, err := env.svc.ExecuteCryptoShred(ctx, "P-001", admin, "mfa:key-root", "DESTROY P-001", "10.0.0.1")
	if err != nil {
		t.Fatalf("shred: %v", err)
	}
	if !result.Destroyed || result.AffectedBackups != 2 {
		t.Errorf("result = %+v, want destroyed with 2 affected backups", result)
	}
	if result.IncidentEffect != "escalated_to_lockdown" {
		t.Errorf("incident effect = %q, want escalated_to_lockdown", result.IncidentEffect)
	}

	level, err := env.incidents.CurrentLevel(ctx)
	if err != nil {
		t.Fatalf("incident level: %v", err)
	}
	if level != types.IncidentLevelLockdown {
		t.Errorf("incident level = %s, want LOCKDOWN", level)
	}

	var shreddedAt *time.Time
	for _, backupID := range []string{"bkp-a", "bkp-b"} {
		backup, err := env.store.GetBackup(ctx, backupID)
		if err != nil {
			t.Fatalf("load backup %s: %v", backupID, err)
		}
		if backup.Status != types.BackupStatusIrreversible {
			t.Errorf("backup %s status = %s, want IRREVERSIBLE", backupID, backup.Status)
		}
		if backup.IrreversibleReason != "crypto_shredded" {
			t.Errorf("backup %s reason = %q, want crypto_shredded", backupID, backup.IrreversibleReason)
		}
		if backup.ShreddedAt == nil {
			t.Fatalf("backup %s missing shredded_at", backupID)
		}
		if shreddedAt == nil {
			shreddedAt = backup.ShreddedAt
		} else if !backup.ShreddedAt.Equal(*shreddedAt) {
			t.Errorf("shredded_at differs across cascade: %v vs %v", backup.ShreddedAt, shreddedAt)
		}
	}

	// A second shred of the same version is denied.
	_, err = env.svc.ExecuteCryptoShred(ctx, "P-001", admin, "mfa:key-root", "DESTROY P-001", "10.0.0.1")
	assertShredError(t, err, "already_destroyed")

	// Shredding another version under LOCKDOWN reports already_lockdown.
	env.keys.SetKey("P-002", bytes.Repeat([]byte{0x22}, 32))
	if err := env.store.CreateKeyVersion(ctx, &types.KeyVersion{VersionID: "P-002", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("create P-002: %v", err)
	}
	result, err = env.svc.ExecuteCryptoShred(ctx, "P-002", admin, "mfa:key-root", "DESTROY P-002", "10.0.0.1")
	if err != nil {
		t.Fatalf("shred P-002: %v", err)
	}
	if result.IncidentEffect != "already_lockdown" {
		t.Errorf("incident effect = %q, want already_lockdown", result.IncidentEffect)
	}
}

func TestGetShredOutcome(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := superAdmin()

	if _, err := env.svc.GetActiveKeyMaterial(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	seedBackup := func(id string, status types.BackupStatus) {
		if err := env.store.CreateBackup(ctx, &types.BackupMetadata{
			BackupID:     id,
			KeyVersion:   "P-001",
			Status:       status,
			SourceSystem: "db-primary",
			CreatedAt:    time.Now().UTC(),
		}); err != nil {
			t.Fatalf("seed backup %s: %v", id, err)
		}
	}
	seedBackup("bkp-active", types.BackupStatusActive)
	seedBackup("bkp-failed", types.BackupStatusFailed)

	outcome, err := env.svc.GetShredOutcome(ctx, "P-001")
	if err != nil {
		t.Fatalf("outcome before shred: %v", err)
	}
	if outcome.KeyDestroyed || outcome.TotalBackups != 2 || outcome.ActiveBackups != 1 || outcome.FailedBackups != 1 {
		t.Errorf("unexpected pre-shred outcome %+v", outcome)
	}

	if _, err := env.svc.ExecuteCryptoShred(ctx, "P-001", admin, "mfa:key-root", "DESTROY P-001", "10.0.0.1"); err != nil {
		t.Fatalf("shred: %v", err)
	}

	outcome, err = env.svc.GetShredOutcome(ctx, "P-001")
	if err != nil {
		t.Fatalf("outcome after shred: %v", err)
	}
	if !outcome.KeyDestroyed || outcome.DestroyedAt == nil {
		t.Errorf("outcome should report destruction, got %+v", outcome)
	}
	// The cascade covers every non-irreversible backup, FAILED included.
	if outcome.IrreversibleBackups != 2 || outcome.FailedBackups != 0 {
		t.Errorf("unexpected post-shred outcome %+v", outcome)
	}
	if outcome.IrreversibleReason != "crypto_shredded" || outcome.LastShreddedAt == nil {
		t.Errorf("outcome missing shred details %+v", outcome)
	}

	if _, err := env.svc.GetShredOutcome(ctx, "P-404"); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("expected ErrVersionNotFound, got %v", err)
	}
}
