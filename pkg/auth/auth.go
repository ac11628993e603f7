package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/warden/pkg/audit"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/types"
)

// Error codes surfaced through the API envelope.
const (
	CodeInvalidKey  = "AUTH_INVALID_KEY"
	CodeMFARequired = "MFA_REQUIRED"
	CodeMFAInvalid  = "MFA_INVALID"
)

// keyPrefixLen is how much of a presented key survives into audit records.
const keyPrefixLen = 8

// ErrKeyNotFound is returned by admin operations on unknown key ids.
var ErrKeyNotFound = errors.New("auth: api key not found")

// Failure is an authentication or MFA rejection. Reason is the stable audit
// vocabulary; Message is safe to return to the caller.
type Failure struct {
	Code    string
	Message string
	Reason  string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// KeyStore is the slice of the metadata store the auth service depends on.
type KeyStore interface {
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*types.APIKey, error)
	GetAPIKey(ctx context.Context, keyID string) (*types.APIKey, error)
	CreateAPIKey(ctx context.Context, key *types.APIKey) error
	UpdateAPIKey(ctx context.Context, key *types.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*types.APIKey, error)
}

// Service authenticates API keys, verifies MFA tokens, and manages the key
// inventory.
type Service struct {
	store  KeyStore
	audit  *audit.Service
	logger zerolog.Logger
	now    func() time.Time
}

// NewService creates the auth service.
func NewService(store KeyStore, auditService *audit.Service) *Service {
	return &Service{
		store:  store,
		audit:  auditService,
		logger: log.WithComponent("auth"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source, used in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// HashKey computes the storage form of a raw API key.
func HashKey(rawKey string) string {
	sum := sha512.Sum512([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// KeyPrefix returns the auditable prefix of a raw key.
func KeyPrefix(rawKey string) string {
	if len(rawKey) <= keyPrefixLen {
		return rawKey
	}
	return rawKey[:keyPrefixLen]
}

// Authenticate resolves a presented raw key to a principal. Every rejection
// is recorded best-effort with a stable reason; the caller only learns that
// the key was invalid.
func (s *Service) Authenticate(ctx context.Context, rawKey, clientIP string) (*types.Principal, error) {
	prefix := KeyPrefix(rawKey)
	if rawKey == "" {
		s.audit.RecordAuthFailure(ctx, prefix, "missing_key", clientIP)
		return nil, &Failure{Code: CodeInvalidKey, Message: "Missing API key", Reason: "missing_key"}
	}

	record, err := s.store.GetAPIKeyByHash(ctx, HashKey(rawKey))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.audit.RecordAuthFailure(ctx, prefix, "key_not_found", clientIP)
			return nil, &Failure{Code: CodeInvalidKey, Message: "Invalid API key", Reason: "key_not_found"}
		}
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	if !record.IsActive {
		s.audit.RecordAuthFailure(ctx, record.KeyPrefix, "revoked", clientIP)
		return nil, &Failure{Code: CodeInvalidKey, Message: "Revoked API key", Reason: "revoked"}
	}

	now := s.now()
	if record.ExpiresAt != nil && !record.ExpiresAt.After(now) {
		s.audit.RecordAuthFailure(ctx, record.KeyPrefix, "expired", clientIP)
		return nil, &Failure{Code: CodeInvalidKey, Message: "Expired API key", Reason: "expired"}
	}

	if len(record.AllowedIPs) > 0 && !ipAllowed(record.AllowedIPs, clientIP) {
		s.audit.RecordAuthFailure(ctx, record.KeyPrefix, "ip_not_allowed", clientIP)
		return nil, &Failure{Code: CodeInvalidKey, Message: "API key not allowed from this IP", Reason: "ip_not_allowed"}
	}

	record.LastUsedAt = &now
	record.LastUsedIP = clientIP
	if err := s.store.UpdateAPIKey(ctx, record); err != nil {
		// Usage tracking is telemetry; authentication still succeeds.
		s.logger.Warn().Err(err).Str("key_id", record.KeyID).Msg("Failed to update last-used marker")
	}
	s.audit.RecordAuthSuccess(ctx, record.KeyID, clientIP)

	return &types.Principal{
		KeyID:      record.KeyID,
		Role:       record.Role,
		Department: record.Department,
	}, nil
}

func ipAllowed(allowed []string, clientIP string) bool {
	if clientIP == "" {
		return false
	}
	for _, ip := range allowed {
		if ip == clientIP {
			return true
		}
	}
	return false
}

// ValidateMFAToken checks the second factor for protected operations. The
// expected token binds to the authenticated key so a token captured from one
// principal cannot authorize another.
func (s *Service) ValidateMFAToken(ctx context.Context, principal *types.Principal, mfaToken, clientIP string) error {
	keyID := ""
	if principal != nil {
		keyID = principal.KeyID
	}
	if strings.TrimSpace(mfaToken) == "" {
		s.audit.RecordMFAOutcome(ctx, keyID, "failure", "missing_mfa", clientIP)
		return &Failure{Code: CodeMFARequired, Message: "MFA token required", Reason: "missing_mfa"}
	}
	if principal == nil || mfaToken != "mfa:"+principal.KeyID {
		s.audit.RecordMFAOutcome(ctx, keyID, "failure", "invalid_mfa", clientIP)
		return &Failure{Code: CodeMFAInvalid, Message: "MFA token invalid", Reason: "invalid_mfa"}
	}
	s.audit.RecordMFAOutcome(ctx, keyID, "success", "", clientIP)
	return nil
}

// CreateKeyParams describes a new API key.
type CreateKeyParams struct {
	Role        string
	Department  string
	Description string
	AllowedIPs  []string
	ExpiresAt   *time.Time
}

// CreateKey mints a new API key. The raw key is returned exactly once; only
// its hash and prefix are stored.
func (s *Service) CreateKey(ctx context.Context, actor *types.Principal, params CreateKeyParams, clientIP string) (string, *types.APIKey, error) {
	rawKey, err := generateRawKey()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate api key: %w", err)
	}
	record := &types.APIKey{
		KeyID:       strings.ReplaceAll(uuid.NewString(), "-", ""),
		KeyHash:     HashKey(rawKey),
		KeyPrefix:   KeyPrefix(rawKey),
		Role:        params.Role,
		Department:  params.Department,
		Description: params.Description,
		AllowedIPs:  params.AllowedIPs,
		IsActive:    true,
		CreatedAt:   s.now(),
		ExpiresAt:   params.ExpiresAt,
	}
	if err := s.store.CreateAPIKey(ctx, record); err != nil {
		return "", nil, fmt.Errorf("failed to persist api key: %w", err)
	}
	if err := s.audit.RecordAdminAction(ctx, actorKeyID(actor), "api_key_created", "api_key", record.KeyID, clientIP); err != nil {
		return "", nil, err
	}
	return rawKey, record, nil
}

// ListKeys returns the key inventory, newest first, and audits the review.
func (s *Service) ListKeys(ctx context.Context, actor *types.Principal, clientIP string) ([]*types.APIKey, error) {
	records, err := s.store.ListAPIKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	if err := s.audit.RecordAdminAction(ctx, actorKeyID(actor), "api_key_listed", "api_key", "", clientIP); err != nil {
		return nil, err
	}
	return records, nil
}

// RevokeKey deactivates a key. Revocation is permanent; a revoked key never
// authenticates again.
func (s *Service) RevokeKey(ctx context.Context, actor *types.Principal, keyID, clientIP string) (*types.APIKey, error) {
	record, err := s.store.GetAPIKey(ctx, keyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to load api key: %w", err)
	}
	record.IsActive = false
	if err := s.store.UpdateAPIKey(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to revoke api key: %w", err)
	}
	if err := s.audit.RecordAdminAction(ctx, actorKeyID(actor), "api_key_revoked", "api_key", record.KeyID, clientIP); err != nil {
		return nil, err
	}
	return record, nil
}

func actorKeyID(principal *types.Principal) string {
	if principal == nil {
		return ""
	}
	return principal.KeyID
}

func generateRawKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
