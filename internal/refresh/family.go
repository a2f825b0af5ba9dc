package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/caasio/auth-core/internal/storage"
)

const (
	familyKeyPrefix  = "token_family:"
	userFamilyPrefix = "user_token_families:"
)

// ErrFamilyRevoked is returned by Append when the family has been
// revoked; no new tokens may join it.
var ErrFamilyRevoked = errors.New("refresh: token family revoked")

// Family groups every refresh token descended from one login. When any
// member is replayed the whole family is burned.
type Family struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	TenantID      string     `json:"tenant_id"`
	CreatedAt     time.Time  `json:"created_at"`
	Revoked       bool       `json:"revoked"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
	Tokens        []string   `json:"tokens"`
}

// Last returns the most recently appended token ID, or "".
func (f *Family) Last() string {
	if len(f.Tokens) == 0 {
		return ""
	}
	return f.Tokens[len(f.Tokens)-1]
}

// Contains reports whether tokenID belongs to the family chain.
func (f *Family) Contains(tokenID string) bool {
	for _, id := range f.Tokens {
		if id == tokenID {
			return true
		}
	}
	return false
}

// FamilyStore persists token families and a per-user family index.
type FamilyStore struct {
	kv  storage.KV
	ttl time.Duration
	now func() time.Time
}

// NewFamilyStore creates a FamilyStore. ttl bounds family records, so
// it must be at least the refresh token lifetime.
func NewFamilyStore(kv storage.KV, ttl time.Duration) *FamilyStore {
	return &FamilyStore{kv: kv, ttl: ttl, now: time.Now}
}

// Create starts a new family rooted at firstTokenID.
func (s *FamilyStore) Create(ctx context.Context, userID, tenantID, firstTokenID string) (*Family, error) {
	fam := &Family{
		ID:        uuid.NewString(),
		UserID:    userID,
		TenantID:  tenantID,
		CreatedAt: s.now().UTC(),
		Tokens:    []string{firstTokenID},
	}
	if err := s.save(ctx, fam); err != nil {
		return nil, err
	}
	if err := s.kv.SetAdd(ctx, userFamilyPrefix+userID, fam.ID); err != nil {
		return nil, fmt.Errorf("index token family: %w", err)
	}
	if err := s.kv.Expire(ctx, userFamilyPrefix+userID, s.ttl); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("expire family index: %w", err)
	}
	return fam, nil
}

// Get loads a family by ID.
func (s *FamilyStore) Get(ctx context.Context, familyID string) (*Family, bool, error) {
	val, ok, err := s.kv.Get(ctx, familyKeyPrefix+familyID)
	if err != nil {
		return nil, false, fmt.Errorf("get token family: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	fam := &Family{}
	if err := json.Unmarshal([]byte(val), fam); err != nil {
		return nil, false, fmt.Errorf("decode token family: %w", err)
	}
	return fam, true, nil
}

// Append adds tokenID to the family chain. Fails with ErrFamilyRevoked
// on a revoked family and storage.ErrNotFound on a missing one.
func (s *FamilyStore) Append(ctx context.Context, familyID, tokenID string) error {
	err := s.kv.Update(ctx, familyKeyPrefix+familyID, func(current string) (string, error) {
		fam := &Family{}
		if err := json.Unmarshal([]byte(current), fam); err != nil {
			return "", fmt.Errorf("decode token family: %w", err)
		}
		if fam.Revoked {
			return "", ErrFamilyRevoked
		}
		fam.Tokens = append(fam.Tokens, tokenID)
		data, err := json.Marshal(fam)
		if err != nil {
			return "", fmt.Errorf("marshal token family: %w", err)
		}
		return string(data), nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, ErrFamilyRevoked) {
			return err
		}
		return fmt.Errorf("append to token family: %w", err)
	}
	return nil
}

// Revoke burns the family. Idempotent; the first reason wins.
func (s *FamilyStore) Revoke(ctx context.Context, familyID, reason string) error {
	err := s.kv.Update(ctx, familyKeyPrefix+familyID, func(current string) (string, error) {
		fam := &Family{}
		if err := json.Unmarshal([]byte(current), fam); err != nil {
			return "", fmt.Errorf("decode token family: %w", err)
		}
		if !fam.Revoked {
			at := s.now().UTC()
			fam.Revoked = true
			fam.RevokedAt = &at
			fam.RevokedReason = reason
		}
		data, err := json.Marshal(fam)
		if err != nil {
			return "", fmt.Errorf("marshal token family: %w", err)
		}
		return string(data), nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return fmt.Errorf("revoke token family: %w", err)
	}
	return nil
}

// IsRevoked reports the family's revoked flag. Missing families count
// as revoked: a token whose family vanished must not rotate.
func (s *FamilyStore) IsRevoked(ctx context.Context, familyID string) (bool, error) {
	fam, ok, err := s.Get(ctx, familyID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return fam.Revoked, nil
}

// UserFamilies returns all live families for a user. Index entries for
// expired families are pruned along the way.
func (s *FamilyStore) UserFamilies(ctx context.Context, userID string) ([]*Family, error) {
	ids, err := s.kv.SetMembers(ctx, userFamilyPrefix+userID)
	if err != nil {
		return nil, fmt.Errorf("list user families: %w", err)
	}
	families := make([]*Family, 0, len(ids))
	for _, id := range ids {
		fam, ok, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			if err := s.kv.SetRemove(ctx, userFamilyPrefix+userID, id); err != nil {
				return nil, fmt.Errorf("prune family index: %w", err)
			}
			continue
		}
		families = append(families, fam)
	}
	return families, nil
}

// CleanupRevoked drops revoked family records for a user once no token
// can reach them anymore. Returns the number removed.
func (s *FamilyStore) CleanupRevoked(ctx context.Context, userID string) (int, error) {
	families, err := s.UserFamilies(ctx, userID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, fam := range families {
		if !fam.Revoked {
			continue
		}
		if _, err := s.kv.Del(ctx, familyKeyPrefix+fam.ID); err != nil {
			return removed, fmt.Errorf("delete token family: %w", err)
		}
		if err := s.kv.SetRemove(ctx, userFamilyPrefix+userID, fam.ID); err != nil {
			return removed, fmt.Errorf("prune family index: %w", err)
		}
		removed++
	}
	return removed, nil
}

func (s *FamilyStore) save(ctx context.Context, fam *Family) error {
	data, err := json.Marshal(fam)
	if err != nil {
		return fmt.Errorf("marshal token family: %w", err)
	}
	if err := s.kv.Set(ctx, familyKeyPrefix+fam.ID, string(data), s.ttl); err != nil {
		return fmt.Errorf("save token family: %w", err)
	}
	return nil
}
