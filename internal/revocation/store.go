package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/caasio/auth-core/internal/storage"
)

// Redis key shapes for the four revocation granularities.
const (
	tokenKeyPrefix   = "revoked:"
	userKeyPrefix    = "user_tokens_invalid_before:"
	sessionKeyPrefix = "session_invalid:"
	tenantKeyPrefix  = "tenant_tokens_invalid_before:"
)

// DefaultRetention bounds how long user and tenant invalidation facts
// are kept. It must exceed the longest refresh token lifetime.
const DefaultRetention = 30 * 24 * time.Hour

// Store persists revocation facts in the KV backend. Token facts live
// only as long as the token would have; user and tenant facts are
// retained for DefaultRetention.
type Store struct {
	kv        storage.KV
	retention time.Duration
	now       func() time.Time
}

// NewStore creates a Store. retention <= 0 falls back to DefaultRetention.
func NewStore(kv storage.KV, retention time.Duration) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{kv: kv, retention: retention, now: time.Now}
}

// MarkTokenRevoked records a single-token fact. ttl should cover the
// token's remaining lifetime; facts for already-expired tokens are
// clamped to a short grace period instead of being dropped.
func (s *Store) MarkTokenRevoked(ctx context.Context, jti, reason string, ttl time.Duration) error {
	if jti == "" {
		return fmt.Errorf("mark token revoked: empty jti")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := s.kv.Set(ctx, tokenKeyPrefix+jti, reason, ttl); err != nil {
		return fmt.Errorf("mark token revoked: %w", err)
	}
	return nil
}

// TokenRevoked reports whether jti carries a revocation fact and the
// recorded reason.
func (s *Store) TokenRevoked(ctx context.Context, jti string) (bool, string, error) {
	reason, ok, err := s.kv.Get(ctx, tokenKeyPrefix+jti)
	if err != nil {
		return false, "", fmt.Errorf("check token revoked: %w", err)
	}
	return ok, reason, nil
}

// SetUserInvalidBefore invalidates every token of a user issued before at.
func (s *Store) SetUserInvalidBefore(ctx context.Context, userID string, at time.Time) error {
	if userID == "" {
		return fmt.Errorf("set user invalid-before: empty user id")
	}
	if err := s.kv.Set(ctx, userKeyPrefix+userID, at.UTC().Format(time.RFC3339Nano), s.retention); err != nil {
		return fmt.Errorf("set user invalid-before: %w", err)
	}
	return nil
}

// UserInvalidBefore returns the user's invalidation cutoff, if any.
func (s *Store) UserInvalidBefore(ctx context.Context, userID string) (time.Time, bool, error) {
	return s.invalidBefore(ctx, userKeyPrefix+userID)
}

// MarkSessionInvalid records a terminated-session fact.
func (s *Store) MarkSessionInvalid(ctx context.Context, sessionID, reason string, ttl time.Duration) error {
	if sessionID == "" {
		return fmt.Errorf("mark session invalid: empty session id")
	}
	if ttl <= 0 {
		ttl = s.retention
	}
	if err := s.kv.Set(ctx, sessionKeyPrefix+sessionID, reason, ttl); err != nil {
		return fmt.Errorf("mark session invalid: %w", err)
	}
	return nil
}

// SessionInvalid reports whether the session has been terminated.
func (s *Store) SessionInvalid(ctx context.Context, sessionID string) (bool, string, error) {
	reason, ok, err := s.kv.Get(ctx, sessionKeyPrefix+sessionID)
	if err != nil {
		return false, "", fmt.Errorf("check session invalid: %w", err)
	}
	return ok, reason, nil
}

// SetTenantInvalidBefore invalidates every token in a tenant issued before at.
func (s *Store) SetTenantInvalidBefore(ctx context.Context, tenantID string, at time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("set tenant invalid-before: empty tenant id")
	}
	if err := s.kv.Set(ctx, tenantKeyPrefix+tenantID, at.UTC().Format(time.RFC3339Nano), s.retention); err != nil {
		return fmt.Errorf("set tenant invalid-before: %w", err)
	}
	return nil
}

// TenantInvalidBefore returns the tenant's invalidation cutoff, if any.
func (s *Store) TenantInvalidBefore(ctx context.Context, tenantID string) (time.Time, bool, error) {
	return s.invalidBefore(ctx, tenantKeyPrefix+tenantID)
}

// ClearUser removes the user's invalidation cutoff.
func (s *Store) ClearUser(ctx context.Context, userID string) error {
	if _, err := s.kv.Del(ctx, userKeyPrefix+userID); err != nil {
		return fmt.Errorf("clear user revocation: %w", err)
	}
	return nil
}

// ClearSession removes a terminated-session fact.
func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	if _, err := s.kv.Del(ctx, sessionKeyPrefix+sessionID); err != nil {
		return fmt.Errorf("clear session revocation: %w", err)
	}
	return nil
}

// Stats summarizes stored revocation facts per granularity.
type Stats struct {
	RevokedTokens    int `json:"revoked_tokens"`
	RevokedUsers     int `json:"revoked_users"`
	InvalidSessions  int `json:"invalid_sessions"`
	RevokedTenants   int `json:"revoked_tenants"`
	KeysWithoutTTL   int `json:"keys_without_ttl"`
}

// Stats counts facts by scanning key prefixes. Intended for operators,
// not the hot path.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	for _, p := range []struct {
		prefix string
		count  *int
	}{
		{tokenKeyPrefix, &st.RevokedTokens},
		{userKeyPrefix, &st.RevokedUsers},
		{sessionKeyPrefix, &st.InvalidSessions},
		{tenantKeyPrefix, &st.RevokedTenants},
	} {
		keys, err := s.kv.ScanPrefix(ctx, p.prefix)
		if err != nil {
			return Stats{}, fmt.Errorf("scan %q: %w", p.prefix, err)
		}
		*p.count = len(keys)
		for _, key := range keys {
			_, hasTTL, exists, err := s.kv.TTL(ctx, key)
			if err != nil {
				return Stats{}, fmt.Errorf("ttl %q: %w", key, err)
			}
			if exists && !hasTTL {
				st.KeysWithoutTTL++
			}
		}
	}
	return st, nil
}

// Cleanup deletes revocation facts that have no expiry set, which can
// only happen after a partial write. Safe to run repeatedly.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	removed := 0
	for _, prefix := range []string{tokenKeyPrefix, userKeyPrefix, sessionKeyPrefix, tenantKeyPrefix} {
		keys, err := s.kv.ScanPrefix(ctx, prefix)
		if err != nil {
			return removed, fmt.Errorf("scan %q: %w", prefix, err)
		}
		for _, key := range keys {
			_, hasTTL, exists, err := s.kv.TTL(ctx, key)
			if err != nil {
				return removed, fmt.Errorf("ttl %q: %w", key, err)
			}
			if !exists || hasTTL {
				continue
			}
			n, err := s.kv.Del(ctx, key)
			if err != nil {
				return removed, fmt.Errorf("delete %q: %w", key, err)
			}
			removed += n
		}
	}
	return removed, nil
}

func (s *Store) invalidBefore(ctx context.Context, key string) (time.Time, bool, error) {
	val, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get invalid-before: %w", err)
	}
	if !ok {
		return time.Time{}, false, nil
	}
	at, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse invalid-before %q: %w", val, err)
	}
	return at, true, nil
}
