package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/types"
)

// appendAttempts bounds the optimistic retry loop on chain cursor races.
const appendAttempts = 10

// WriteError signals a failed fail-secure audit append. Handlers map it to
// AUDIT_UNAVAILABLE so no guarded operation proceeds unrecorded.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	if e.Err == nil {
		return "audit write failed"
	}
	return fmt.Sprintf("audit write failed: %v", e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ChainStore is the slice of the metadata store the audit engine depends on.
type ChainStore interface {
	AppendAuditEntry(ctx context.Context, entry *types.AuditEntry) error
	LatestAuditCursor(ctx context.Context) (int64, string, error)
	ListAuditEntries(ctx context.Context, filter storage.AuditFilter) ([]*types.AuditEntry, error)
	CountAuditEntries(ctx context.Context, action string, actorKeyID *string, since time.Time) (int, error)
}

// Event is one audit fact prior to chaining. Optional fields use nil for
// absent because null is significant in the canonical hash input.
type Event struct {
	Action     string
	Resource   string
	ResourceID *string
	ActorKeyID *string
	ActorRole  *string
	Status     *string
	Reason     *string
}

// Optional converts a possibly-empty string to the nullable form stored in
// the chain. Empty means absent.
func Optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

// Service appends hash-chained audit entries and validates the chain.
type Service struct {
	store      ChainStore
	logger     zerolog.Logger
	now        func() time.Time
	newEventID func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the entry timestamp source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithEventIDs overrides event id generation, used in tests.
func WithEventIDs(gen func() string) Option {
	return func(s *Service) { s.newEventID = gen }
}

// NewService creates the audit engine on top of the given store.
func NewService(store ChainStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: log.WithComponent("audit"),
		now:    func() time.Time { return time.Now().UTC() },
		newEventID: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record appends the event fail-secure: an error means the guarded operation
// must not proceed.
func (s *Service) Record(ctx context.Context, ev Event) error {
	return s.persist(ctx, ev, true)
}

// RecordBestEffort appends the event but suppresses failures. Used for
// telemetry writes that must never block request handling.
func (s *Service) RecordBestEffort(ctx context.Context, ev Event) {
	_ = s.persist(ctx, ev, false)
}

func (s *Service) persist(ctx context.Context, ev Event, failSecure bool) error {
	if s.store == nil {
		return nil
	}
	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		lastIndex, lastHash, err := s.store.LatestAuditCursor(ctx)
		if err != nil {
			lastErr = err
			break
		}
		entry := &types.AuditEntry{
			ChainIndex: lastIndex + 1,
			CreatedAt:  s.now(),
			EventID:    s.newEventID(),
			Action:     ev.Action,
			Resource:   ev.Resource,
			ResourceID: ev.ResourceID,
			ActorKeyID: ev.ActorKeyID,
			ActorRole:  ev.ActorRole,
			Status:     ev.Status,
			Reason:     ev.Reason,
		}
		if lastHash != "" {
			prev := lastHash
			entry.PrevHash = &prev
		}
		entry.EntryHash = EntryHash(entry)

		if err := s.store.AppendAuditEntry(ctx, entry); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				metrics.AuditAppendConflicts.Inc()
				lastErr = err
				continue
			}
			lastErr = err
			break
		}
		metrics.AuditEntriesAppended.WithLabelValues(ev.Action).Inc()
		return nil
	}
	if failSecure {
		metrics.AuditWriteFailures.WithLabelValues("fail_secure").Inc()
		return &WriteError{Err: lastErr}
	}
	metrics.AuditWriteFailures.WithLabelValues("best_effort").Inc()
	s.logger.Error().Err(lastErr).
		Str("action", ev.Action).
		Str("resource", ev.Resource).
		Msg("Audit write suppressed in best-effort mode")
	return nil
}

// RecordAuthFailure records a failed authentication attempt. Best-effort so
// unauthenticated probes cannot weaponize an audit outage.
func (s *Service) RecordAuthFailure(ctx context.Context, keyPrefix, reason, clientIP string) {
	s.logger.Warn().
		Str("key_prefix", keyPrefix).
		Str("reason", reason).
		Str("client_ip", clientIP).
		Msg("Auth failure")
	s.RecordBestEffort(ctx, Event{
		Action:     "auth_failure",
		Resource:   "api_key",
		ResourceID: Optional(keyPrefix),
		Status:     Optional("denied"),
		Reason:     Optional(reason),
	})
}

// RecordAuthSuccess records a successful authentication. Best-effort.
func (s *Service) RecordAuthSuccess(ctx context.Context, keyID, clientIP string) {
	s.logger.Info().
		Str("key_id", keyID).
		Str("client_ip", clientIP).
		Msg("Auth success")
	s.RecordBestEffort(ctx, Event{
		Action:     "auth_success",
		Resource:   "api_key",
		ResourceID: Optional(keyID),
		ActorKeyID: Optional(keyID),
		Status:     Optional("success"),
	})
}

// RecordMFAOutcome records an MFA verification result. Best-effort.
func (s *Service) RecordMFAOutcome(ctx context.Context, keyID, outcome, reason, clientIP string) {
	s.logger.Info().
		Str("key_id", keyID).
		Str("outcome", outcome).
		Str("reason", reason).
		Str("client_ip", clientIP).
		Msg("MFA outcome")
	s.RecordBestEffort(ctx, Event{
		Action:     "mfa_outcome",
		Resource:   "restore",
		ActorKeyID: Optional(keyID),
		Status:     Optional(outcome),
		Reason:     Optional(reason),
	})
}

// RecordAuthorizationDenied records a role check failure. Fail-secure: the
// denial response must not be served unless the denial is on the chain.
func (s *Service) RecordAuthorizationDenied(ctx context.Context, keyID, role, permission, reason, clientIP string) error {
	s.logger.Warn().
		Str("key_id", keyID).
		Str("role", role).
		Str("permission", permission).
		Str("reason", reason).
		Str("client_ip", clientIP).
		Msg("Authorization denied")
	return s.Record(ctx, Event{
		Action:     "authorization_denied",
		Resource:   permission,
		ActorKeyID: Optional(keyID),
		ActorRole:  Optional(role),
		Status:     Optional("denied"),
		Reason:     Optional(reason),
	})
}

// RecordAdminAction records a successful administrative mutation. Fail-secure.
func (s *Service) RecordAdminAction(ctx context.Context, actorKeyID, action, resource, resourceID, clientIP string) error {
	s.logger.Info().
		Str("actor_key_id", actorKeyID).
		Str("action", action).
		Str("resource", resource).
		Str("resource_id", resourceID).
		Str("client_ip", clientIP).
		Msg("Admin action")
	return s.Record(ctx, Event{
		Action:     action,
		Resource:   resource,
		ResourceID: Optional(resourceID),
		ActorKeyID: Optional(actorKeyID),
		Status:     Optional("success"),
	})
}

// RecordPolicyDecision records a policy evaluation verdict. Fail-secure; the
// chain stores the stable reason category, not the human-readable reason.
func (s *Service) RecordPolicyDecision(ctx context.Context, keyID, operation string, allowed bool, reason, reasonCategory, classification, clientIP string) error {
	s.logger.Info().
		Str("key_id", keyID).
		Str("operation", operation).
		Bool("allowed", allowed).
		Str("reason", reason).
		Str("reason_category", reasonCategory).
		Str("classification", classification).
		Str("client_ip", clientIP).
		Msg("Policy decision")
	status := "denied"
	if allowed {
		status = "allowed"
	}
	return s.Record(ctx, Event{
		Action:     "policy_decision",
		Resource:   operation,
		ResourceID: Optional(classification),
		ActorKeyID: Optional(keyID),
		Status:     Optional(status),
		Reason:     Optional(reasonCategory),
	})
}

// RecordBackupEvent records a backup pipeline transition. Fail-secure.
func (s *Service) RecordBackupEvent(ctx context.Context, action, backupID, actorKeyID, actorRole, status, reason string) error {
	s.logger.Info().
		Str("action", action).
		Str("backup_id", backupID).
		Str("actor_key_id", actorKeyID).
		Str("status", status).
		Str("reason", reason).
		Msg("Backup event")
	return s.Record(ctx, Event{
		Action:     action,
		Resource:   "backup",
		ResourceID: Optional(backupID),
		ActorKeyID: Optional(actorKeyID),
		ActorRole:  Optional(actorRole),
		Status:     Optional(status),
		Reason:     Optional(reason),
	})
}

// RecordRestoreEvent records a restore pipeline transition. Fail-secure.
func (s *Service) RecordRestoreEvent(ctx context.Context, action, backupID, actorKeyID, actorRole, status, reason string) error {
	s.logger.Info().
		Str("action", action).
		Str("backup_id", backupID).
		Str("actor_key_id", actorKeyID).
		Str("status", status).
		Str("reason", reason).
		Msg("Restore event")
	return s.Record(ctx, Event{
		Action:     action,
		Resource:   "restore",
		ResourceID: Optional(backupID),
		ActorKeyID: Optional(actorKeyID),
		ActorRole:  Optional(actorRole),
		Status:     Optional(status),
		Reason:     Optional(reason),
	})
}

// RecordKeyRotation records an active key version change. Fail-secure.
func (s *Service) RecordKeyRotation(ctx context.Context, actorKeyID, fromVersion, toVersion, clientIP string) error {
	s.logger.Info().
		Str("actor_key_id", actorKeyID).
		Str("from_version", fromVersion).
		Str("to_version", toVersion).
		Str("client_ip", clientIP).
		Msg("Key rotation")
	return s.Record(ctx, Event{
		Action:     "key_rotation",
		Resource:   "key_version",
		ResourceID: Optional(toVersion),
		ActorKeyID: Optional(actorKeyID),
		Status:     Optional("success"),
		Reason:     Optional("rotated_from:" + fromVersion),
	})
}

// ListEntries returns stored entries matching the filter, oldest first.
func (s *Service) ListEntries(ctx context.Context, filter storage.AuditFilter) ([]*types.AuditEntry, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListAuditEntries(ctx, filter)
}

// CountSecurityEvents counts entries for a source action since a cutoff,
// optionally scoped to one actor. nil actor matches anonymous entries only
// when the stored actor is also null.
func (s *Service) CountSecurityEvents(ctx context.Context, action string, actorKeyID *string, since time.Time) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	return s.store.CountAuditEntries(ctx, action, actorKeyID, since)
}
