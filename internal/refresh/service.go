package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caasio/auth-core/internal/storage"
	"github.com/caasio/auth-core/internal/token"
)

// Rotation errors surfaced to callers.
var (
	ErrInvalidToken  = errors.New("refresh: invalid or unknown token")
	ErrTokenExpired  = errors.New("refresh: token expired")
	ErrReuseDetected = errors.New("refresh: reuse detected, family revoked")
)

// Policy controls rotation behavior. RevokeFamily without
// ReuseDetection is a misconfiguration: there would be nothing to
// trigger the revocation.
type Policy struct {
	Enabled        bool
	ReuseDetection bool
	RevokeFamily   bool
}

func (p Policy) validate() error {
	if p.RevokeFamily && !p.ReuseDetection {
		return errors.New("refresh: revoke-family requires reuse detection")
	}
	return nil
}

// Service issues and rotates refresh tokens.
type Service struct {
	store    *Store
	families *FamilyStore
	detector *Detector
	policy   Policy
	ttl      time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a Service, rejecting inconsistent policies.
func NewService(store *Store, families *FamilyStore, detector *Detector, policy Policy, ttl time.Duration, logger *zap.Logger) (*Service, error) {
	if err := policy.validate(); err != nil {
		return nil, err
	}
	return &Service{
		store:    store,
		families: families,
		detector: detector,
		policy:   policy,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Issued is the result of Issue or Rotate.
type Issued struct {
	Secret   string
	Token    *Token
	FamilyID string
}

// Issue mints the first refresh token of a new family, for a fresh
// login.
func (s *Service) Issue(ctx context.Context, userID, tenantID, sessionID string) (*Issued, error) {
	secret, err := token.NewRefreshSecret()
	if err != nil {
		return nil, err
	}

	tokenID := uuid.NewString()
	fam, err := s.families.Create(ctx, userID, tenantID, tokenID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	tok := &Token{
		ID:        tokenID,
		UserID:    userID,
		TenantID:  tenantID,
		SessionID: sessionID,
		FamilyID:  fam.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.Save(ctx, secret, tok); err != nil {
		return nil, err
	}
	return &Issued{Secret: secret, Token: tok, FamilyID: fam.ID}, nil
}

// Rotate exchanges a refresh token for its successor. Reuse of a
// consumed, revoked, or out-of-chain token burns the whole family.
// With rotation disabled the same secret stays valid and is returned
// unchanged.
func (s *Service) Rotate(ctx context.Context, secret string) (*Issued, error) {
	tok, ok, err := s.store.Get(ctx, secret)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidToken
	}
	if s.now().After(tok.ExpiresAt) {
		if err := s.store.Delete(ctx, secret, tok.UserID); err != nil {
			s.logger.Warn("delete expired refresh token", zap.Error(err))
		}
		return nil, ErrTokenExpired
	}

	if s.policy.ReuseDetection {
		reused, classification, err := s.detector.Detect(ctx, tok)
		if err != nil {
			return nil, err
		}
		if reused {
			return nil, s.reject(ctx, tok, classification)
		}
	}

	if !s.policy.Enabled {
		return &Issued{Secret: secret, Token: tok, FamilyID: tok.FamilyID}, nil
	}

	// Conditional mark-used: the loser of a concurrent rotation lands
	// on the reuse path.
	if _, err := s.store.MarkUsed(ctx, secret); err != nil {
		switch {
		case errors.Is(err, ErrTokenUsed):
			return nil, s.reject(ctx, tok, ReuseTokenUsed)
		case errors.Is(err, storage.ErrNotFound):
			return nil, ErrInvalidToken
		default:
			return nil, err
		}
	}

	next, err := token.NewRefreshSecret()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	nextTok := &Token{
		ID:        uuid.NewString(),
		UserID:    tok.UserID,
		TenantID:  tok.TenantID,
		SessionID: tok.SessionID,
		FamilyID:  tok.FamilyID,
		ParentID:  tok.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.families.Append(ctx, tok.FamilyID, nextTok.ID); err != nil {
		if errors.Is(err, ErrFamilyRevoked) || errors.Is(err, storage.ErrNotFound) {
			return nil, s.reject(ctx, tok, ReuseFamilyRevoked)
		}
		return nil, err
	}
	if err := s.store.Save(ctx, next, nextTok); err != nil {
		return nil, err
	}
	return &Issued{Secret: next, Token: nextTok, FamilyID: tok.FamilyID}, nil
}

// Lookup loads the record behind a secret without consuming it.
func (s *Service) Lookup(ctx context.Context, secret string) (*Token, bool, error) {
	return s.store.Get(ctx, secret)
}

// RevokeFamilyForToken burns the family a secret belongs to, for
// logout.
func (s *Service) RevokeFamilyForToken(ctx context.Context, secret, reason string) error {
	tok, ok, err := s.store.Get(ctx, secret)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidToken
	}
	if err := s.families.Revoke(ctx, tok.FamilyID, reason); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return s.store.Delete(ctx, secret, tok.UserID)
}

// RevokeAllForUser burns every family and deletes every refresh token
// a user holds. Returns the number of tokens removed.
func (s *Service) RevokeAllForUser(ctx context.Context, userID, reason string) (int, error) {
	if err := s.revokeAllFamilies(ctx, userID, reason); err != nil {
		return 0, err
	}
	return s.store.DeleteAllForUser(ctx, userID)
}

// revokeAllFamilies burns every live family a user holds. Token records
// stay behind so later presentations are still classified as reuse.
func (s *Service) revokeAllFamilies(ctx context.Context, userID, reason string) error {
	families, err := s.families.UserFamilies(ctx, userID)
	if err != nil {
		return err
	}
	for _, fam := range families {
		if fam.Revoked {
			continue
		}
		if err := s.families.Revoke(ctx, fam.ID, reason); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

// ActiveTokenCount reports live refresh tokens for a user.
func (s *Service) ActiveTokenCount(ctx context.Context, userID string) (int, error) {
	return s.store.CountForUser(ctx, userID)
}

// CheckPattern surfaces the detector's per-user heuristics.
func (s *Service) CheckPattern(ctx context.Context, userID string) (bool, []string, error) {
	if s.detector == nil {
		return false, nil, nil
	}
	return s.detector.CheckPattern(ctx, userID)
}

// CleanupFamilies drops revoked family records for a user.
func (s *Service) CleanupFamilies(ctx context.Context, userID string) (int, error) {
	return s.families.CleanupRevoked(ctx, userID)
}

func (s *Service) reject(ctx context.Context, tok *Token, classification string) error {
	if s.policy.RevokeFamily {
		if err := s.detector.HandleReuse(ctx, tok, classification); err != nil {
			return err
		}
		// Confirmed theft is contained user-wide, not just in the
		// replayed family.
		if err := s.revokeAllFamilies(ctx, tok.UserID, classification); err != nil {
			return err
		}
	} else {
		s.logger.Warn("refresh token reuse detected",
			zap.String("token_id", tok.ID),
			zap.String("classification", classification))
	}
	return fmt.Errorf("%w: %s", ErrReuseDetected, classification)
}
