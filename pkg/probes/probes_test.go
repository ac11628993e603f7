package probes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/warden/pkg/blob"
	"github.com/cuemby/warden/pkg/keystore"
	"github.com/cuemby/warden/pkg/storage"
)

func TestLiveness(t *testing.T) {
	registry := NewRegistry()
	if got := registry.Liveness()["status"]; got != "ok" {
		t.Errorf("liveness status = %q, want ok", got)
	}
}

func TestReadinessAllHealthy(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	keys := keystore.NewMemoryStore("P-001")
	keys.SetKey("P-001", make([]byte, 32))

	registry := NewRegistry(
		StoreChecker(store),
		BlobChecker(blob.NewMemoryStore(), "backups"),
		KeystoreChecker(keys),
	)
	readiness := registry.Readiness(context.Background())
	if readiness.Status != "ready" {
		t.Fatalf("status = %q, want ready: %+v", readiness.Status, readiness)
	}
	for name, dep := range readiness.Dependencies {
		if dep.Status != "ok" {
			t.Errorf("dependency %s = %q, want ok", name, dep.Status)
		}
	}
}

func TestReadinessReportsUnavailableDependency(t *testing.T) {
	// Keystore has no material for the active version.
	registry := NewRegistry(
		BlobChecker(blob.NewMemoryStore(), "backups"),
		KeystoreChecker(keystore.NewMemoryStore("P-001")),
	)
	readiness := registry.Readiness(context.Background())
	if readiness.Status != "not_ready" {
		t.Fatalf("status = %q, want not_ready", readiness.Status)
	}
	if readiness.Dependencies["keystore"].Status != "unavailable" {
		t.Errorf("keystore = %q, want unavailable", readiness.Dependencies["keystore"].Status)
	}
	if readiness.Dependencies["blob_store"].Status != "ok" {
		t.Errorf("blob_store = %q, want ok", readiness.Dependencies["blob_store"].Status)
	}
}

func TestCheckTimeoutBoundsSlowDependency(t *testing.T) {
	slow := CheckFunc{
		CheckerName: "slow",
		Fn: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Second):
				return nil
			}
		},
	}
	registry := NewRegistry(slow)

	start := time.Now()
	readiness := registry.Readiness(context.Background())
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("readiness took %s, expected the check timeout to bound it", elapsed)
	}
	if readiness.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", readiness.Status)
	}
}

func TestCheckFuncPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	registry := NewRegistry(CheckFunc{CheckerName: "dep", Fn: func(ctx context.Context) error { return boom }})
	result := registry.run(context.Background(), registry.checkers[0])
	if result.Healthy || result.Message != "boom" {
		t.Errorf("result = %+v", result)
	}
}
