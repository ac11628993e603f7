package restore

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/warden/pkg/metrics"
)

// Token validation errors. Expired tokens are removed on presentation.
var (
	ErrTokenInvalid   = errors.New("invalid restore access token")
	ErrTokenExpired   = errors.New("restore access token expired")
	ErrTokenForbidden = errors.New("restore access token is not valid for this principal")
)

// TokenRecord binds an issued restore-access token to one backup and,
// when the restore had an authenticated actor, to that actor.
type TokenRecord struct {
	Token      string
	BackupID   string
	ActorKeyID *string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// TokenStore holds restore-access tokens in memory. Tokens are short-lived
// bearer credentials; persistence across restarts is not required. The store
// is owned by the composition root and lives for the process lifetime.
type TokenStore struct {
	mu      sync.Mutex
	records map[string]*TokenRecord
	now     func() time.Time
}

// NewTokenStore creates an empty token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		records: make(map[string]*TokenRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source, used in tests.
func (ts *TokenStore) WithClock(now func() time.Time) *TokenStore {
	ts.now = now
	return ts
}

// purgeExpired drops records past their expiry. Caller holds the lock.
func (ts *TokenStore) purgeExpired(now time.Time) {
	for token, record := range ts.records {
		if !record.ExpiresAt.After(now) {
			delete(ts.records, token)
		}
	}
	metrics.RestoreTokensActive.Set(float64(len(ts.records)))
}

// ActiveCount reports the number of unexpired tokens.
func (ts *TokenStore) ActiveCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.purgeExpired(ts.now())
	return len(ts.records)
}

// Issue mints a new token for a completed restore. TTLs below one second are
// clamped to one second so every token has a nonzero validity window.
func (ts *TokenStore) Issue(backupID string, actorKeyID *string, ttl time.Duration) (*TokenRecord, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate restore token: %w", err)
	}
	if ttl < time.Second {
		ttl = time.Second
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	now := ts.now()
	ts.purgeExpired(now)

	record := &TokenRecord{
		Token:      base64.RawURLEncoding.EncodeToString(raw),
		BackupID:   backupID,
		ActorKeyID: actorKeyID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
	}
	ts.records[record.Token] = record
	metrics.RestoreTokensActive.Set(float64(len(ts.records)))
	return record, nil
}

// Redeem validates a presented token against the calling actor. A token
// issued to an authenticated actor can only be redeemed by that actor.
func (ts *TokenStore) Redeem(token string, actorKeyID *string) (*TokenRecord, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	record, ok := ts.records[token]
	if !ok {
		return nil, ErrTokenInvalid
	}
	if !record.ExpiresAt.After(ts.now()) {
		delete(ts.records, token)
		metrics.RestoreTokensActive.Set(float64(len(ts.records)))
		return nil, ErrTokenExpired
	}
	if record.ActorKeyID != nil {
		if actorKeyID == nil || *actorKeyID != *record.ActorKeyID {
			return nil, ErrTokenForbidden
		}
	}
	return record, nil
}
