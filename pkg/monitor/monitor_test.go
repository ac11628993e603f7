package monitor

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/cuemby/warden/pkg/audit"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type testEnv struct {
	svc   *Service
	store *storage.BoltStore
	audit *audit.Service
	now   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{
		store: store,
		now:   time.Date(2026, 8, 24, 10, 17, 33, 123456000, time.UTC),
	}
	auditSvc := audit.NewService(store, audit.WithClock(func() time.Time { return env.now }))
	env.audit = auditSvc
	env.svc = NewService(store, auditSvc, auditSvc, nil).
		WithClock(func() time.Time { return env.now })
	return env
}

// seedRestoreFailures appends restore_failed audit entries for one actor.
func (env *testEnv) seedRestoreFailures(t *testing.T, actorID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := env.audit.RecordRestoreEvent(context.Background(), "restore_failed", "backup-0001", actorID, "admin", "FAILED", "integrity_failed"); err != nil {
			t.Fatalf("seed audit: %v", err)
		}
	}
}

func TestWindowBucket(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 17, 33, 123456000, time.UTC)
	if got := windowBucket(now, 10); got != "2026-08-24T10:10:00+00:00" {
		t.Errorf("bucket = %q", got)
	}
	// Non-UTC inputs are normalized before bucketing.
	est := time.FixedZone("EST", -5*3600)
	if got := windowBucket(now.In(est), 10); got != "2026-08-24T10:10:00+00:00" {
		t.Errorf("non-UTC bucket = %q", got)
	}
}

func TestDedupeKeyVectors(t *testing.T) {
	actor := "key-admin"
	tests := []struct {
		ruleID string
		actor  *string
		want   string
	}{
		{
			ruleID: "RESTORE_FAILURE_SPIKE",
			actor:  &actor,
			want:   "89262a1c886d282809f2c07cf27aec5a77cc99bc9410b778796a7444818ef38f",
		},
		{
			ruleID: "RESTORE_RESTRICTED_SPIKE",
			actor:  nil,
			want:   "5489d8a8d1530735802d40b2e5f6083b49387d7ccfb4f3fc1c72e337c9dd2324",
		},
	}
	for _, tt := range tests {
		got := dedupeKey(tt.ruleID, tt.actor, "2026-08-24T10:10:00+00:00")
		if got != tt.want {
			t.Errorf("dedupeKey(%s) = %s, want %s", tt.ruleID, got, tt.want)
		}
	}
}

func TestEvaluateBelowThreshold(t *testing.T) {
	env := newTestEnv(t)
	actor := "key-admin"
	env.seedRestoreFailures(t, actor, 2)

	alert, err := env.svc.Evaluate(context.Background(), "restore_failed", &actor, "backup-0001")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if alert != nil {
		t.Errorf("alert created below threshold: %+v", alert)
	}
}

func TestEvaluateUnmatchedEvent(t *testing.T) {
	env := newTestEnv(t)
	actor := "key-admin"

	alert, err := env.svc.Evaluate(context.Background(), "backup_processing_failed", &actor, "backup-0001")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if alert != nil {
		t.Errorf("alert created for unmatched event: %+v", alert)
	}
}

func TestEvaluateCreatesAndDedupesAlert(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	actor := "key-admin"
	env.seedRestoreFailures(t, actor, 3)

	alert, err := env.svc.Evaluate(ctx, "restore_failed", &actor, "backup-0001")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if alert == nil {
		t.Fatal("no alert at threshold")
	}
	if alert.RuleID != "RESTORE_FAILURE_SPIKE" || alert.Severity != types.AlertSeverityMedium {
		t.Errorf("alert = %+v", alert)
	}
	if alert.Status != types.AlertStatusOpen {
		t.Errorf("status = %s, want OPEN", alert.Status)
	}
	if alert.ActorKeyID != actor || alert.RelatedBackupID != "backup-0001" {
		t.Errorf("alert bindings = %+v", alert)
	}

	count, err := env.store.CountAuditEntries(ctx, "alert_created", &actor, time.Time{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("alert_created entries = %d, want 1", count)
	}

	// A second crossing in the same window bucket returns the same alert.
	env.seedRestoreFailures(t, actor, 1)
	again, err := env.svc.Evaluate(ctx, "restore_failed", &actor, "backup-0001")
	if err != nil {
		t.Fatalf("re-evaluate: %v", err)
	}
	if again == nil || again.AlertID != alert.AlertID {
		t.Errorf("dedupe failed: first %v, second %v", alert, again)
	}
	count, err = env.store.CountAuditEntries(ctx, "alert_created", &actor, time.Time{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("alert_created entries after dedupe = %d, want 1", count)
	}

	// The next window bucket opens a fresh alert.
	env.now = env.now.Add(10 * time.Minute)
	env.seedRestoreFailures(t, actor, 3)
	fresh, err := env.svc.Evaluate(ctx, "restore_failed", &actor, "backup-0001")
	if err != nil {
		t.Fatalf("evaluate next bucket: %v", err)
	}
	if fresh == nil || fresh.AlertID == alert.AlertID {
		t.Errorf("expected a new alert in the next bucket, got %v", fresh)
	}
}

func TestEvaluateScopesCountsToActor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedRestoreFailures(t, "key-a", 2)
	env.seedRestoreFailures(t, "key-b", 2)

	actor := "key-a"
	alert, err := env.svc.Evaluate(ctx, "restore_failed", &actor, "backup-0001")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if alert != nil {
		t.Errorf("counts leaked across actors: %+v", alert)
	}
}

func TestLocalSlidingWindowFallback(t *testing.T) {
	env := newTestEnv(t)
	env.svc.counter = nil
	ctx := context.Background()
	actor := "key-admin"

	for i := 0; i < 2; i++ {
		alert, err := env.svc.Evaluate(ctx, "restore_restricted_blocked", &actor, "backup-0001")
		if err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
		if alert != nil {
			t.Fatalf("alert before threshold on call %d", i)
		}
	}
	alert, err := env.svc.Evaluate(ctx, "restore_restricted_blocked", &actor, "backup-0001")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if alert == nil || alert.RuleID != "RESTORE_RESTRICTED_SPIKE" || alert.Severity != types.AlertSeverityHigh {
		t.Errorf("alert = %+v", alert)
	}

	// Events outside the window age out.
	env.now = env.now.Add(11 * time.Minute)
	alert, err = env.svc.Evaluate(ctx, "restore_restricted_blocked", &actor, "backup-0001")
	if err != nil {
		t.Fatalf("evaluate after window: %v", err)
	}
	if alert != nil {
		t.Errorf("stale events counted: %+v", alert)
	}
}

func TestUpdateStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	actor := "key-admin"
	env.seedRestoreFailures(t, actor, 3)
	alert, err := env.svc.Evaluate(ctx, "restore_failed", &actor, "backup-0001")
	if err != nil || alert == nil {
		t.Fatalf("seed alert: %v", err)
	}

	admin := &types.Principal{KeyID: "key-admin", Role: "admin"}
	updated, err := env.svc.UpdateStatus(ctx, alert.AlertID, "ACKNOWLEDGED", admin, "10.0.0.1")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != types.AlertStatusAcknowledged || updated.UpdatedAt == nil {
		t.Errorf("updated = %+v", updated)
	}

	if _, err := env.svc.UpdateStatus(ctx, alert.AlertID, "SNOOZED", admin, "10.0.0.1"); err == nil {
		t.Error("invalid status accepted")
	} else {
		var invalid *InvalidStatusError
		if !errors.As(err, &invalid) {
			t.Errorf("error = %v, want InvalidStatusError", err)
		}
	}

	if _, err := env.svc.UpdateStatus(ctx, "missing-alert", "RESOLVED", admin, "10.0.0.1"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("error = %v, want ErrAlertNotFound", err)
	}
}
