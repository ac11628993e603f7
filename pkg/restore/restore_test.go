package restore

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
	"github.com/cuemby/warden/pkg/backup"
	"github.com/cuemby/warden/pkg/blob"
	"github.com/cuemby/warden/pkg/incident"
	"github.com/cuemby/warden/pkg/keystore"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/policy"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type keyProvider struct {
	keys keystore.Store
}

func (p keyProvider) GetActiveKeyMaterial(ctx context.Context) (keystore.Material, error) {
	return p.keys.ActiveKey()
}

type recordingMonitor struct {
	sources []string
}

func (m *recordingMonitor) ProcessSecurityEvent(ctx context.Context, source string, actorKeyID *string, relatedBackupID string) {
	m.sources = append(m.sources, source)
}

type testEnv struct {
	svc       *Service
	store     *storage.BoltStore
	blobs     *blob.MemoryStore
	keys      *keystore.MemoryStore
	incidents *incident.Service
	tokens    *TokenStore
	monitor   *recordingMonitor
	payload   []byte
	backupID  string
}

const testBucket = "backups"

// newTestEnv wires the full stack and stores one backup through the real
// submission pipeline so restores exercise genuine ciphertext.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	keys := keystore.NewMemoryStore("P-001")
	keys.SetKey("P-001", bytes.Repeat([]byte{0x42}, 32))
	blobs := blob.NewMemoryStore()
	auditSvc := audit.NewService(store)
	authSvc := auth.NewService(store, auditSvc)
	incidents := incident.NewService(store, auditSvc, nil, "NORMAL")
	tokens := NewTokenStore()
	monitor := &recordingMonitor{}

	payload := []byte("classified payroll export")
	backupSvc := backup.NewService(store, blobs, keyProvider{keys: keys}, policy.NewEngine(), auditSvc, nil, backup.Config{
		Bucket:                testBucket,
		DefaultClassification: "INTERNAL",
	})
	record, err := backupSvc.Submit(context.Background(), &types.Principal{KeyID: "key-op", Role: "operator"}, backup.Request{
		Classification: "SECRET",
		SourceSystem:   "payroll",
		Payload:        payload,
	}, "10.0.0.1")
	if err != nil {
		t.Fatalf("seed backup: %v", err)
	}

	svc := NewService(store, blobs, keys, authSvc, policy.NewEngine(), auditSvc, incidents, tokens, nil, Config{
		Bucket:   testBucket,
		TokenTTL: 5 * time.Minute,
	}).WithMonitor(monitor)

	return &testEnv{
		svc:       svc,
		store:     store,
		blobs:     blobs,
		keys:      keys,
		incidents: incidents,
		tokens:    tokens,
		monitor:   monitor,
		payload:   payload,
		backupID:  record.BackupID,
	}
}

func admin() *types.Principal {
	return &types.Principal{KeyID: "key-admin", Role: "admin", Department: "security"}
}

func mfaFor(p *types.Principal) string {
	return "mfa:" + p.KeyID
}

func (env *testEnv) countAudit(t *testing.T, action string) int {
	t.Helper()
	actor := "key-admin"
	count, err := env.store.CountAuditEntries(context.Background(), action, &actor, time.Time{})
	if err != nil {
		t.Fatalf("count %s: %v", action, err)
	}
	return count
}

func TestRestoreCompletesAndIssuesToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	actor := admin()

	result, err := env.svc.Restore(ctx, actor, env.backupID, mfaFor(actor), "10.0.0.1")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if result.Status != "restore_completed" {
		t.Fatalf("status = %q, want restore_completed", result.Status)
	}
	if !result.IntegrityVerified {
		t.Errorf("integrity_verified = false")
	}
	if result.RestoredSize != int64(len(env.payload)) {
		t.Errorf("restored_size = %d, want %d", result.RestoredSize, len(env.payload))
	}
	if result.RestoreToken == "" || result.RestoreTokenExpiresAt == nil {
		t.Fatalf("restore token not issued: %+v", result)
	}
	if result.RestoreTokenTTLSeconds != 300 {
		t.Errorf("token ttl = %d, want 300", result.RestoreTokenTTLSeconds)
	}
	if result.Backup == nil || result.Backup.BackupID != env.backupID {
		t.Errorf("backup summary missing or wrong: %+v", result.Backup)
	}
	if got := env.countAudit(t, "restore_completed"); got != 1 {
		t.Errorf("restore_completed entries = %d, want 1", got)
	}

	// The issuing actor can redeem; a different key cannot.
	record, err := env.svc.RedeemToken(result.RestoreToken, actor)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if record.BackupID != env.backupID {
		t.Errorf("redeemed backup = %q, want %q", record.BackupID, env.backupID)
	}
	_, err = env.svc.RedeemToken(result.RestoreToken, &types.Principal{KeyID: "key-attacker", Role: "admin"})
	if !errors.Is(err, ErrTokenForbidden) {
		t.Errorf("redeem by other actor = %v, want ErrTokenForbidden", err)
	}
}

func TestRestoreMFAGatesMetadataLookup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	actor := admin()

	tests := []struct {
		name     string
		mfaToken string
		wantCode string
	}{
		{name: "missing token", mfaToken: "", wantCode: auth.CodeMFARequired},
		{name: "wrong token", mfaToken: "mfa:someone-else", wantCode: auth.CodeMFAInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// A nonexistent backup id must still fail on MFA, never on lookup.
			_, err := env.svc.Restore(ctx, actor, "backup-missing", tt.mfaToken, "10.0.0.1")
			var failure *auth.Failure
			if !errors.As(err, &failure) {
				t.Fatalf("expected auth.Failure, got %v", err)
			}
			if failure.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", failure.Code, tt.wantCode)
			}
		})
	}
}

func TestRestoreBackupNotFound(t *testing.T) {
	env := newTestEnv(t)
	actor := admin()

	_, err := env.svc.Restore(context.Background(), actor, "backup-missing", mfaFor(actor), "10.0.0.1")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if notFound.BackupID != "backup-missing" {
		t.Errorf("backup id = %q", notFound.BackupID)
	}
}

func TestRestoreDeniedForOperator(t *testing.T) {
	env := newTestEnv(t)
	operator := &types.Principal{KeyID: "key-op", Role: "operator"}

	_, err := env.svc.Restore(context.Background(), operator, env.backupID, mfaFor(operator), "10.0.0.1")
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if denied.ReasonCategory != "role_restricted" {
		t.Errorf("reason category = %q, want role_restricted", denied.ReasonCategory)
	}
}

func TestRestoreQuarantinePendsManualReview(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	actor := admin()

	if _, err := env.incidents.Transition(ctx, types.IncidentLevelQuarantine, actor, "suspicious activity", "10.0.0.1"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	result, err := env.svc.Restore(ctx, actor, env.backupID, mfaFor(actor), "10.0.0.1")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if result.Status != "pending_manual_review" {
		t.Fatalf("status = %q, want pending_manual_review", result.Status)
	}
	if result.RestrictionReason != "incident_quarantine" {
		t.Errorf("restriction reason = %q, want incident_quarantine", result.RestrictionReason)
	}
	if result.RestoreToken != "" {
		t.Errorf("token issued during quarantine")
	}
	if env.tokens.ActiveCount() != 0 {
		t.Errorf("token store not empty during quarantine")
	}
	if got := env.countAudit(t, "restore_restricted_pending_manual_review"); got != 1 {
		t.Errorf("restricted audit entries = %d, want 1", got)
	}
}

func TestRestoreLockdownBlocks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	actor := admin()

	if _, err := env.incidents.Transition(ctx, types.IncidentLevelLockdown, actor, "active breach", "10.0.0.1"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	_, err := env.svc.Restore(ctx, actor, env.backupID, mfaFor(actor), "10.0.0.1")
	var restricted *RestrictedError
	if !errors.As(err, &restricted) {
		t.Fatalf("expected RestrictedError, got %v", err)
	}
	if restricted.ReasonCategory != "incident_lockdown" {
		t.Errorf("reason category = %q, want incident_lockdown", restricted.ReasonCategory)
	}
	if got := env.countAudit(t, "restore_restricted_blocked"); got != 1 {
		t.Errorf("blocked audit entries = %d, want 1", got)
	}
	if len(env.monitor.sources) != 1 || env.monitor.sources[0] != "restore_restricted_blocked" {
		t.Errorf("monitor sources = %v, want [restore_restricted_blocked]", env.monitor.sources)
	}
}

func TestRestoreIrreversibleBackup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	actor := admin()

	record, err := env.store.GetBackup(ctx, env.backupID)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	record.Status = types.BackupStatusIrreversible
	record.IrreversibleReason = "crypto_shredded"
	if err := env.store.UpdateBackup(ctx, record); err != nil {
		t.Fatalf("update record: %v", err)
	}

	_, err = env.svc.Restore(ctx, actor, env.backupID, mfaFor(actor), "10.0.0.1")
	var irreversible *IrreversibleError
	if !errors.As(err, &irreversible) {
		t.Fatalf("expected IrreversibleError, got %v", err)
	}
	if got := env.countAudit(t, "restore_failed"); got != 1 {
		t.Errorf("restore_failed entries = %d, want 1", got)
	}
}

func TestRestoreIntegrityFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, env *testEnv)
	}{
		{
			name: "tampered ciphertext",
			mutate: func(t *testing.T, env *testEnv) {
				sealed, err := env.blobs.Get(context.Background(), testBucket, env.backupID+".bin")
				if err != nil {
					t.Fatalf("fetch blob: %v", err)
				}
				sealed[len(sealed)-1] ^= 0xFF
				if err := env.blobs.Put(context.Background(), testBucket, env.backupID+".bin", sealed); err != nil {
					t.Fatalf("store tampered blob: %v", err)
				}
			},
		},
		{
			name: "nonce binding broken",
			mutate: func(t *testing.T, env *testEnv) {
				record, err := env.store.GetBackup(context.Background(), env.backupID)
				if err != nil {
					t.Fatalf("load record: %v", err)
				}
				record.Nonce = "000000000000000000000000"
				// Checksum still matches the stored blob; the nonce check
				// itself must trip.
				if err := env.store.UpdateBackup(context.Background(), record); err != nil {
					t.Fatalf("update record: %v", err)
				}
			},
		},
		{
			name: "blob missing",
			mutate: func(t *testing.T, env *testEnv) {
				record, err := env.store.GetBackup(context.Background(), env.backupID)
				if err != nil {
					t.Fatalf("load record: %v", err)
				}
				record.StoragePath = "gone.bin"
				record.ChecksumCiphertext = ""
				if err := env.store.UpdateBackup(context.Background(), record); err != nil {
					t.Fatalf("update record: %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.mutate(t, env)
			actor := admin()

			_, err := env.svc.Restore(context.Background(), actor, env.backupID, mfaFor(actor), "10.0.0.1")
			var integrity *IntegrityError
			if !errors.As(err, &integrity) {
				t.Fatalf("expected IntegrityError, got %v", err)
			}
			if got := env.countAudit(t, "restore_failed"); got != 1 {
				t.Errorf("restore_failed entries = %d, want 1", got)
			}
			if len(env.monitor.sources) != 1 || env.monitor.sources[0] != "restore_failed" {
				t.Errorf("monitor sources = %v, want [restore_failed]", env.monitor.sources)
			}
		})
	}
}

func TestRestoreKeyMaterialMissing(t *testing.T) {
	env := newTestEnv(t)
	actor := admin()

	// Simulate lost key material without shredding the version record.
	record, err := env.store.GetBackup(context.Background(), env.backupID)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	record.KeyVersion = "P-999"
	if err := env.store.UpdateBackup(context.Background(), record); err != nil {
		t.Fatalf("update record: %v", err)
	}

	_, err = env.svc.Restore(context.Background(), actor, env.backupID, mfaFor(actor), "10.0.0.1")
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
	if got := env.countAudit(t, "restore_failed"); got != 1 {
		t.Errorf("restore_failed entries = %d, want 1", got)
	}
}
