package backup

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/cuemby/warden/pkg/audit"
	"github.com/cuemby/warden/pkg/blob"
	"github.com/cuemby/warden/pkg/crypto"
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

type fakeKeyProvider struct {
	material keystore.Material
	err      error
}

func (f *fakeKeyProvider) GetActiveKeyMaterial(ctx context.Context) (keystore.Material, error) {
	if f.err != nil {
		return keystore.Material{}, f.err
	}
	return f.material, nil
}

type failingBlobStore struct{}

func (failingBlobStore) Put(ctx context.Context, bucket, name string, data []byte) error {
	return errors.New("object store offline")
}

func (failingBlobStore) Get(ctx context.Context, bucket, name string) ([]byte, error) {
	return nil, errors.New("object store offline")
}

type testEnv struct {
	svc    *Service
	store  *storage.BoltStore
	blobs  *blob.MemoryStore
	keys   *fakeKeyProvider
	audit  *audit.Service
	bucket string
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	blobs := blob.NewMemoryStore()
	keys := &fakeKeyProvider{material: keystore.Material{
		VersionID: "P-001",
		KeyBytes:  bytes.Repeat([]byte{0x42}, 32),
	}}
	auditSvc := audit.NewService(store)
	if cfg.Bucket == "" {
		cfg.Bucket = "backups"
	}
	if cfg.DefaultClassification == "" && !cfg.ClassificationRequired {
		cfg.DefaultClassification = "INTERNAL"
	}

	var seq int
	svc := NewService(store, blobs, keys, policy.NewEngine(), auditSvc, nil, cfg).
		WithIDs(func() string {
			seq++
			return fmt.Sprintf("backup-%04d", seq)
		})
	return &testEnv{svc: svc, store: store, blobs: blobs, keys: keys, audit: auditSvc, bucket: cfg.Bucket}
}

func operator() *types.Principal {
	return &types.Principal{KeyID: "key-op", Role: "operator", Department: "infrastructure"}
}

func TestSubmitStoresEncryptedBackup(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	payload := []byte("classified database dump")

	record, err := env.svc.Submit(ctx, operator(), Request{
		Classification: "SECRET",
		SourceSystem:   "db-primary",
		Description:    "nightly snapshot",
		Payload:        payload,
	}, "10.0.0.1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if record.Status != types.BackupStatusActive {
		t.Fatalf("status = %s, want ACTIVE", record.Status)
	}
	if record.KeyVersion != "P-001" {
		t.Errorf("key version = %q, want P-001", record.KeyVersion)
	}
	if record.OriginalSize != int64(len(payload)) {
		t.Errorf("original size = %d, want %d", record.OriginalSize, len(payload))
	}
	if record.ChecksumPlaintext != crypto.ChecksumHex(payload) {
		t.Errorf("plaintext checksum mismatch")
	}

	sealed, err := env.blobs.Get(ctx, env.bucket, record.StoragePath)
	if err != nil {
		t.Fatalf("fetch blob: %v", err)
	}
	if record.ChecksumCiphertext != crypto.ChecksumHex(sealed) {
		t.Errorf("ciphertext checksum mismatch")
	}
	if record.EncryptedSize != int64(len(sealed)) {
		t.Errorf("encrypted size = %d, want %d", record.EncryptedSize, len(sealed))
	}

	nonce, tag, ciphertext, err := crypto.SplitBlob(sealed)
	if err != nil {
		t.Fatalf("split blob: %v", err)
	}
	if hex.EncodeToString(nonce) != record.Nonce {
		t.Errorf("stored nonce does not match blob nonce")
	}
	plaintext, err := crypto.Decrypt(ciphertext, crypto.NormalizeKey(env.keys.material.KeyBytes), nonce, tag)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, payload) {
		t.Errorf("roundtrip plaintext mismatch")
	}

	// The pipeline leaves a valid chain: policy decision, started, succeeded.
	result, err := env.audit.ValidateChain(ctx)
	if err != nil {
		t.Fatalf("validate chain: %v", err)
	}
	if !result.Valid || result.CheckedEntries != 3 {
		t.Errorf("chain = %+v, want 3 valid entries", result)
	}
}

func TestSubmitDeniedByPolicy(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.svc.Submit(ctx, &types.Principal{KeyID: "key-x", Role: "viewer"}, Request{
		Classification: "INTERNAL",
		SourceSystem:   "db-primary",
		Payload:        []byte("data"),
	}, "10.0.0.1")

	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if denied.ReasonCategory != "role_restricted" {
		t.Errorf("reason category = %q, want role_restricted", denied.ReasonCategory)
	}

	actor := "key-x"
	count, err := env.store.CountAuditEntries(ctx, "backup_processing_denied", &actor, time.Time{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("backup_processing_denied entries = %d, want 1", count)
	}
}

func TestSubmitClassificationNormalization(t *testing.T) {
	tests := []struct {
		name           string
		cfg            Config
		classification string
		wantErrLoc     string
		wantResult     types.Classification
	}{
		{
			name:           "explicit classification honored",
			cfg:            Config{DefaultClassification: "INTERNAL"},
			classification: "CONFIDENTIAL",
			wantResult:     types.ClassificationConfidential,
		},
		{
			name:       "absent classification takes configured default",
			cfg:        Config{DefaultClassification: "INTERNAL"},
			wantResult: types.ClassificationInternal,
		},
		{
			name:       "absent classification rejected when required",
			cfg:        Config{ClassificationRequired: true},
			wantErrLoc: "body.classification",
		},
		{
			name:           "invalid classification rejected",
			cfg:            Config{DefaultClassification: "INTERNAL"},
			classification: "TOP_SECRET",
			wantErrLoc:     "body.classification",
		},
		{
			name:       "invalid configured default rejected",
			cfg:        Config{DefaultClassification: "WHATEVER"},
			wantErrLoc: "config.default_classification",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.cfg)
			record, err := env.svc.Submit(context.Background(), operator(), Request{
				Classification: tt.classification,
				SourceSystem:   "db-primary",
				Payload:        []byte("data"),
			}, "10.0.0.1")

			if tt.wantErrLoc != "" {
				var validationErr *ValidationError
				if !errors.As(err, &validationErr) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
				got := validationErr.Loc[0] + "." + validationErr.Loc[1]
				if got != tt.wantErrLoc {
					t.Errorf("loc = %q, want %q", got, tt.wantErrLoc)
				}
				return
			}
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if record.Classification != tt.wantResult {
				t.Errorf("classification = %s, want %s", record.Classification, tt.wantResult)
			}
		})
	}
}

func TestSubmitFailureLeavesTerminalRow(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(env *testEnv)
		wantReason string
	}{
		{
			name:       "key unavailable",
			mutate:     func(env *testEnv) { env.keys.err = errors.New("key store offline") },
			wantReason: "key_unavailable",
		},
		{
			name:       "storage failed",
			mutate:     func(env *testEnv) { env.svc.blobs = failingBlobStore{} },
			wantReason: "storage_failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{})
			tt.mutate(env)
			ctx := context.Background()

			_, err := env.svc.Submit(ctx, operator(), Request{
				Classification: "INTERNAL",
				SourceSystem:   "db-primary",
				Payload:        []byte("data"),
			}, "10.0.0.1")

			var uploadErr *UploadError
			if !errors.As(err, &uploadErr) {
				t.Fatalf("expected UploadError, got %v", err)
			}
			if uploadErr.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", uploadErr.Reason, tt.wantReason)
			}

			record, err := env.store.GetBackup(ctx, "backup-0001")
			if err != nil {
				t.Fatalf("load record: %v", err)
			}
			if record.Status != types.BackupStatusFailed {
				t.Errorf("status = %s, want FAILED", record.Status)
			}
			if record.FailureReason != tt.wantReason {
				t.Errorf("failure reason = %q, want %q", record.FailureReason, tt.wantReason)
			}

			actor := "key-op"
			count, err := env.store.CountAuditEntries(ctx, "backup_processing_failed", &actor, time.Time{})
			if err != nil {
				t.Fatalf("count: %v", err)
			}
			if count != 1 {
				t.Errorf("backup_processing_failed entries = %d, want 1", count)
			}
		})
	}
}
