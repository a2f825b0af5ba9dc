package revocation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/caasio/auth-core/internal/telemetry"
)

// Service records revocation facts, answers revocation checks, and
// publishes events for downstream caches. It implements
// token.RevocationChecker.
type Service struct {
	store     *Store
	publisher EventPublisher
	metrics   *telemetry.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a Service. publisher may be a NopPublisher.
func NewService(store *Store, publisher EventPublisher, metrics *telemetry.Metrics, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Revocation reasons recorded alongside facts and returned by IsRevoked.
const (
	ReasonTokenRevoked   = "token_revoked"
	ReasonUserRevoked    = "user_tokens_revoked"
	ReasonSessionRevoked = "session_terminated"
	ReasonTenantRevoked  = "tenant_tokens_revoked"
)

// RevokeToken invalidates a single token until it would have expired.
func (s *Service) RevokeToken(ctx context.Context, jti, userID, tenantID string, expiresAt time.Time, reason string) error {
	if reason == "" {
		reason = ReasonTokenRevoked
	}
	ttl := expiresAt.Sub(s.now())
	if err := s.store.MarkTokenRevoked(ctx, jti, reason, ttl); err != nil {
		return err
	}
	s.metrics.Revocations.WithLabelValues("token").Inc()
	s.publish(ctx, Event{
		Type:     EventTokenRevoked,
		TenantID: tenantID,
		UserID:   userID,
		JTI:      jti,
		Reason:   reason,
	})
	s.logger.Info("token revoked",
		zap.String("jti", jti),
		zap.String("user_id", userID),
		zap.String("reason", reason))
	return nil
}

// RevokeUserTokens invalidates every token the user holds right now.
// revokedCount, when known, is carried on the event; nil means the
// caller could not count affected tokens.
func (s *Service) RevokeUserTokens(ctx context.Context, userID, tenantID, reason string, revokedCount *int) error {
	if reason == "" {
		reason = ReasonUserRevoked
	}
	if err := s.store.SetUserInvalidBefore(ctx, userID, s.now()); err != nil {
		return err
	}
	s.metrics.Revocations.WithLabelValues("user").Inc()
	s.publish(ctx, Event{
		Type:         EventUserTokensRevoked,
		TenantID:     tenantID,
		UserID:       userID,
		Reason:       reason,
		RevokedCount: revokedCount,
	})
	s.logger.Info("user tokens revoked",
		zap.String("user_id", userID),
		zap.String("reason", reason))
	return nil
}

// RevokeSessionTokens invalidates every token bound to one session.
func (s *Service) RevokeSessionTokens(ctx context.Context, sessionID, userID, tenantID, reason string, ttl time.Duration) error {
	if reason == "" {
		reason = ReasonSessionRevoked
	}
	if err := s.store.MarkSessionInvalid(ctx, sessionID, reason, ttl); err != nil {
		return err
	}
	s.metrics.Revocations.WithLabelValues("session").Inc()
	s.publish(ctx, Event{
		Type:      EventSessionTerminated,
		TenantID:  tenantID,
		UserID:    userID,
		SessionID: sessionID,
		Reason:    reason,
	})
	s.logger.Info("session tokens revoked",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.String("reason", reason))
	return nil
}

// RevokeTenantTokens invalidates every token in the tenant. This is the
// kill switch for a compromised tenant.
func (s *Service) RevokeTenantTokens(ctx context.Context, tenantID, reason string) error {
	if reason == "" {
		reason = ReasonTenantRevoked
	}
	if err := s.store.SetTenantInvalidBefore(ctx, tenantID, s.now()); err != nil {
		return err
	}
	s.metrics.Revocations.WithLabelValues("tenant").Inc()
	s.publish(ctx, Event{
		Type:     EventTenantRevoked,
		TenantID: tenantID,
		Reason:   reason,
	})
	s.logger.Warn("tenant tokens revoked",
		zap.String("tenant_id", tenantID),
		zap.String("reason", reason))
	return nil
}

// IsRevoked checks the four granularities narrowest-first and returns
// the first matching reason.
func (s *Service) IsRevoked(ctx context.Context, jti, userID, sessionID, tenantID string, issuedAt time.Time) (bool, string, error) {
	if jti != "" {
		revoked, reason, err := s.store.TokenRevoked(ctx, jti)
		if err != nil {
			return false, "", err
		}
		if revoked {
			if reason == "" {
				reason = ReasonTokenRevoked
			}
			return true, reason, nil
		}
	}

	if userID != "" {
		cutoff, ok, err := s.store.UserInvalidBefore(ctx, userID)
		if err != nil {
			return false, "", err
		}
		if ok && issuedAt.Before(cutoff) {
			return true, ReasonUserRevoked, nil
		}
	}

	if sessionID != "" {
		invalid, reason, err := s.store.SessionInvalid(ctx, sessionID)
		if err != nil {
			return false, "", err
		}
		if invalid {
			if reason == "" {
				reason = ReasonSessionRevoked
			}
			return true, reason, nil
		}
	}

	if tenantID != "" {
		cutoff, ok, err := s.store.TenantInvalidBefore(ctx, tenantID)
		if err != nil {
			return false, "", err
		}
		if ok && issuedAt.Before(cutoff) {
			return true, ReasonTenantRevoked, nil
		}
	}

	return false, "", nil
}

// ClearUserRevocation lifts a user-wide invalidation, for example after
// a false-positive incident response.
func (s *Service) ClearUserRevocation(ctx context.Context, userID string) error {
	return s.store.ClearUser(ctx, userID)
}

// ClearSessionRevocation lifts a terminated-session fact.
func (s *Service) ClearSessionRevocation(ctx context.Context, sessionID string) error {
	return s.store.ClearSession(ctx, sessionID)
}

// Stats reports counts of stored revocation facts.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx)
}

// Cleanup removes facts left without an expiry by partial writes.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	return s.store.Cleanup(ctx)
}

// publish sends the event best-effort. A broker failure never fails
// the revocation itself; the fact is already durable.
func (s *Service) publish(ctx context.Context, event Event) {
	event.OccurredAt = s.now().UTC()
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("publish revocation event",
			zap.String("type", event.Type),
			zap.Error(err))
	}
}

// Close releases the event publisher.
func (s *Service) Close() error {
	if err := s.publisher.Close(); err != nil {
		return fmt.Errorf("close revocation publisher: %w", err)
	}
	return nil
}
