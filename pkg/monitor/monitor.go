package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/warden/pkg/audit"
	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/types"
)

// ErrAlertNotFound is returned when a status update targets an unknown alert.
var ErrAlertNotFound = errors.New("alert not found")

// InvalidStatusError rejects an alert status outside the known set.
type InvalidStatusError struct {
	Status string
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid alert status: %q", e.Status)
}

// Rule is one threshold rule evaluated against the security event stream.
type Rule struct {
	RuleID        string
	SourceEvent   string
	Threshold     int
	WindowMinutes int
	Severity      types.AlertSeverity
	Reason        string
}

// DefaultRules returns the shipped ruleset.
func DefaultRules() []Rule {
	return []Rule{
		{
			RuleID:        "RESTORE_RESTRICTED_SPIKE",
			SourceEvent:   "restore_restricted_blocked",
			Threshold:     3,
			WindowMinutes: 10,
			Severity:      types.AlertSeverityHigh,
			Reason:        "Repeated restore restrictions detected",
		},
		{
			RuleID:        "RESTORE_FAILURE_SPIKE",
			SourceEvent:   "restore_failed",
			Threshold:     3,
			WindowMinutes: 10,
			Severity:      types.AlertSeverityMedium,
			Reason:        "Repeated restore failures detected",
		},
	}
}

// AlertStore is the slice of the metadata store the monitor uses.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *types.Alert) error
	GetAlert(ctx context.Context, alertID string) (*types.Alert, error)
	GetAlertByDedupeKey(ctx context.Context, dedupeKey string) (*types.Alert, error)
	ListAlerts(ctx context.Context, status string) ([]*types.Alert, error)
	UpdateAlertStatus(ctx context.Context, alertID string, status types.AlertStatus, updatedAt time.Time) (*types.Alert, error)
}

// EventCounter counts security events over a window. The audit service
// provides this; a local sliding window is used when no counter is wired.
type EventCounter interface {
	CountSecurityEvents(ctx context.Context, action string, actorKeyID *string, since time.Time) (int, error)
}

// Service evaluates threshold rules and owns the alert lifecycle.
type Service struct {
	store   AlertStore
	counter EventCounter
	audit   *audit.Service
	broker  *events.Broker
	rules   []Rule
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	history map[string][]time.Time
}

// NewService creates the monitor with the default ruleset.
func NewService(store AlertStore, counter EventCounter, auditService *audit.Service, broker *events.Broker) *Service {
	return &Service{
		store:   store,
		counter: counter,
		audit:   auditService,
		broker:  broker,
		rules:   DefaultRules(),
		logger:  log.WithComponent("monitor"),
		now:     func() time.Time { return time.Now().UTC() },
		history: make(map[string][]time.Time),
	}
}

// WithRules replaces the ruleset.
func (s *Service) WithRules(rules []Rule) *Service {
	s.rules = rules
	return s
}

// WithClock overrides the time source, used in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ProcessSecurityEvent evaluates rules for one event. Monitoring runs on the
// response path of restores and must never fail them, so errors are logged
// and swallowed here.
func (s *Service) ProcessSecurityEvent(ctx context.Context, source string, actorKeyID *string, relatedBackupID string) {
	if _, err := s.Evaluate(ctx, source, actorKeyID, relatedBackupID); err != nil {
		s.logger.Error().Err(err).Str("source_event", source).Msg("Failed to evaluate security event")
	}
}

// Evaluate matches the event against the ruleset and returns the alert for a
// crossed threshold, existing or new. A nil alert means no rule fired.
func (s *Service) Evaluate(ctx context.Context, source string, actorKeyID *string, relatedBackupID string) (*types.Alert, error) {
	rule, ok := s.matchRule(source)
	if !ok {
		return nil, nil
	}
	now := s.now()

	count, err := s.eventCount(ctx, rule, actorKeyID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to count events for rule %s: %w", rule.RuleID, err)
	}
	if count < rule.Threshold {
		return nil, nil
	}

	dedupeKey := dedupeKey(rule.RuleID, actorKeyID, windowBucket(now, rule.WindowMinutes))
	existing, err := s.store.GetAlertByDedupeKey(ctx, dedupeKey)
	if err == nil {
		return existing, nil
	}
	if err != storage.ErrNotFound {
		return nil, fmt.Errorf("failed to look up alert by dedupe key: %w", err)
	}

	alert := &types.Alert{
		AlertID:      strings.ReplaceAll(uuid.NewString(), "-", ""),
		RuleID:       rule.RuleID,
		Severity:     rule.Severity,
		Status:       types.AlertStatusOpen,
		SourceEvent:  source,
		Reason:       rule.Reason,
		MetadataJSON: "{}",
		DedupeKey:    dedupeKey,
		CreatedAt:    now,
	}
	if actorKeyID != nil {
		alert.ActorKeyID = *actorKeyID
	}
	alert.RelatedBackupID = relatedBackupID
	if err := s.store.CreateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}

	if err := s.audit.RecordAdminAction(ctx, alert.ActorKeyID, "alert_created", "alert", alert.AlertID, ""); err != nil {
		return nil, err
	}
	metrics.AlertsCreated.WithLabelValues(rule.RuleID, string(rule.Severity)).Inc()
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:    events.EventAlertCreated,
			Message: rule.Reason,
			Metadata: map[string]string{
				"alert_id": alert.AlertID,
				"rule_id":  rule.RuleID,
				"severity": string(rule.Severity),
			},
		})
	}
	s.logger.Warn().
		Str("alert_id", alert.AlertID).
		Str("rule_id", rule.RuleID).
		Str("severity", string(rule.Severity)).
		Msg("Monitoring alert created")
	return alert, nil
}

// ListAlerts returns alerts, optionally filtered by status.
func (s *Service) ListAlerts(ctx context.Context, status string) ([]*types.Alert, error) {
	return s.store.ListAlerts(ctx, status)
}

// UpdateStatus moves an alert through its review lifecycle.
func (s *Service) UpdateStatus(ctx context.Context, alertID, status string, actor *types.Principal, clientIP string) (*types.Alert, error) {
	parsed, err := types.ParseAlertStatus(status)
	if err != nil {
		return nil, &InvalidStatusError{Status: status}
	}
	updated, err := s.store.UpdateAlertStatus(ctx, alertID, parsed, s.now())
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to update alert status: %w", err)
	}
	actorID := ""
	if actor != nil {
		actorID = actor.KeyID
	}
	if err := s.audit.RecordAdminAction(ctx, actorID, "alert_status_updated", "alert", updated.AlertID, clientIP); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) matchRule(source string) (Rule, bool) {
	for _, rule := range s.rules {
		if rule.SourceEvent == source {
			return rule, true
		}
	}
	return Rule{}, false
}

// eventCount prefers the audit store. The local sliding window is a fallback
// for wirings without a counter and includes the event being processed.
func (s *Service) eventCount(ctx context.Context, rule Rule, actorKeyID *string, now time.Time) (int, error) {
	window := time.Duration(rule.WindowMinutes) * time.Minute
	if s.counter != nil {
		return s.counter.CountSecurityEvents(ctx, rule.SourceEvent, actorKeyID, now.Add(-window))
	}

	key := rule.RuleID + ":" + actorOrAnonymous(actorKeyID)
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.history[key][:0]
	for _, ts := range s.history[key] {
		if now.Sub(ts) <= window {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	s.history[key] = kept
	return len(kept), nil
}

func actorOrAnonymous(actorKeyID *string) string {
	if actorKeyID == nil || *actorKeyID == "" {
		return "anonymous"
	}
	return *actorKeyID
}

// windowBucket aligns now to the start of its window within the hour, UTC.
// The textual form is part of the dedupe contract.
func windowBucket(now time.Time, windowMinutes int) string {
	utc := now.UTC()
	minute := (utc.Minute() / windowMinutes) * windowMinutes
	bucket := time.Date(utc.Year(), utc.Month(), utc.Day(), utc.Hour(), minute, 0, 0, time.UTC)
	return bucket.Format("2006-01-02T15:04:05+00:00")
}

func dedupeKey(ruleID string, actorKeyID *string, bucket string) string {
	base := ruleID + ":" + actorOrAnonymous(actorKeyID) + ":" + bucket
	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:])
}
