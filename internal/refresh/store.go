package refresh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/caasio/auth-core/internal/storage"
)

const (
	tokenKeyPrefix = "rt:"
	userSetPrefix  = "user_refresh_tokens:"
)

// ErrTokenUsed is returned by MarkUsed when the token was already
// consumed. Exactly one of two concurrent rotations receives nil.
var ErrTokenUsed = errors.New("refresh: token already used")

// Token is the stored state of one refresh token. The raw secret never
// appears here; records are addressed by the secret's SHA-256.
type Token struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	TenantID  string     `json:"tenant_id"`
	SessionID string     `json:"session_id"`
	FamilyID  string     `json:"family_id"`
	ParentID  string     `json:"parent_id,omitempty"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// Store persists refresh token records plus a per-user index of token
// hashes for bulk operations.
type Store struct {
	kv  storage.KV
	ttl time.Duration
	now func() time.Time
}

// NewStore creates a Store. ttl is the refresh token lifetime and also
// bounds the per-user index.
func NewStore(kv storage.KV, ttl time.Duration) *Store {
	return &Store{kv: kv, ttl: ttl, now: time.Now}
}

// HashSecret derives the storage key material from a raw secret.
func HashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Save stores a new token record under the hash of its raw secret.
func (s *Store) Save(ctx context.Context, raw string, tok *Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("marshal refresh token: %w", err)
	}
	hash := HashSecret(raw)
	if err := s.kv.Set(ctx, tokenKeyPrefix+hash, string(data), s.ttl); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	if err := s.kv.SetAdd(ctx, userSetPrefix+tok.UserID, hash); err != nil {
		return fmt.Errorf("index refresh token: %w", err)
	}
	// Keep the index alive as long as its newest member.
	if err := s.kv.Expire(ctx, userSetPrefix+tok.UserID, s.ttl); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("expire refresh index: %w", err)
	}
	return nil
}

// Get loads the record for a raw secret.
func (s *Store) Get(ctx context.Context, raw string) (*Token, bool, error) {
	val, ok, err := s.kv.Get(ctx, tokenKeyPrefix+HashSecret(raw))
	if err != nil {
		return nil, false, fmt.Errorf("get refresh token: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	tok := &Token{}
	if err := json.Unmarshal([]byte(val), tok); err != nil {
		return nil, false, fmt.Errorf("decode refresh token: %w", err)
	}
	return tok, true, nil
}

// MarkUsed atomically flips the used flag. When two rotations race on
// the same secret, exactly one succeeds; the other gets ErrTokenUsed
// and must be treated as reuse.
func (s *Store) MarkUsed(ctx context.Context, raw string) (*Token, error) {
	var updated *Token
	err := s.kv.Update(ctx, tokenKeyPrefix+HashSecret(raw), func(current string) (string, error) {
		tok := &Token{}
		if err := json.Unmarshal([]byte(current), tok); err != nil {
			return "", fmt.Errorf("decode refresh token: %w", err)
		}
		if tok.Used {
			return "", ErrTokenUsed
		}
		usedAt := s.now().UTC()
		tok.Used = true
		tok.UsedAt = &usedAt
		data, err := json.Marshal(tok)
		if err != nil {
			return "", fmt.Errorf("marshal refresh token: %w", err)
		}
		updated = tok
		return string(data), nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		if errors.Is(err, ErrTokenUsed) {
			return nil, ErrTokenUsed
		}
		return nil, fmt.Errorf("mark refresh token used: %w", err)
	}
	return updated, nil
}

// Delete removes one token record and its index entry.
func (s *Store) Delete(ctx context.Context, raw, userID string) error {
	hash := HashSecret(raw)
	if _, err := s.kv.Del(ctx, tokenKeyPrefix+hash); err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	if err := s.kv.SetRemove(ctx, userSetPrefix+userID, hash); err != nil {
		return fmt.Errorf("unindex refresh token: %w", err)
	}
	return nil
}

// DeleteAllForUser removes every refresh token the user holds. Returns
// the number of records deleted.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	hashes, err := s.kv.SetMembers(ctx, userSetPrefix+userID)
	if err != nil {
		return 0, fmt.Errorf("list user refresh tokens: %w", err)
	}
	deleted := 0
	for _, hash := range hashes {
		n, err := s.kv.Del(ctx, tokenKeyPrefix+hash)
		if err != nil {
			return deleted, fmt.Errorf("delete refresh token: %w", err)
		}
		deleted += n
	}
	if _, err := s.kv.Del(ctx, userSetPrefix+userID); err != nil {
		return deleted, fmt.Errorf("drop refresh index: %w", err)
	}
	return deleted, nil
}

// CountForUser reports live refresh tokens for a user. Index entries
// whose record already expired are pruned as a side effect.
func (s *Store) CountForUser(ctx context.Context, userID string) (int, error) {
	hashes, err := s.kv.SetMembers(ctx, userSetPrefix+userID)
	if err != nil {
		return 0, fmt.Errorf("list user refresh tokens: %w", err)
	}
	live := 0
	for _, hash := range hashes {
		exists, err := s.kv.Exists(ctx, tokenKeyPrefix+hash)
		if err != nil {
			return 0, fmt.Errorf("check refresh token: %w", err)
		}
		if exists {
			live++
			continue
		}
		if err := s.kv.SetRemove(ctx, userSetPrefix+userID, hash); err != nil {
			return 0, fmt.Errorf("prune refresh index: %w", err)
		}
	}
	return live, nil
}
