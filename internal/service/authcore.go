// Package service wires the token, session, refresh, revocation, and
// MFA engines into the operations the transport layer exposes.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/caasio/auth-core/internal/mfa"
	"github.com/caasio/auth-core/internal/refresh"
	"github.com/caasio/auth-core/internal/revocation"
	"github.com/caasio/auth-core/internal/session"
	"github.com/caasio/auth-core/internal/session/security"
	"github.com/caasio/auth-core/internal/token"
)

// ErrSessionTerminated is returned when an operation lands on a
// session that a security response has already killed.
var ErrSessionTerminated = errors.New("service: session terminated")

// AuthService is the orchestration layer over the security engines.
type AuthService struct {
	issuer      *token.Issuer
	validator   *token.Validator
	sessions    *session.Store
	renewer     *session.Renewer
	refresh     *refresh.Service
	revocations *revocation.Service
	anomaly     *security.AnomalyDetector
	hijack      *security.HijackDetector
	challenges  *mfa.Engine
	accessTTL   time.Duration
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewAuthService creates an AuthService.
func NewAuthService(
	issuer *token.Issuer,
	validator *token.Validator,
	sessions *session.Store,
	renewer *session.Renewer,
	refreshSvc *refresh.Service,
	revocations *revocation.Service,
	anomaly *security.AnomalyDetector,
	hijack *security.HijackDetector,
	challenges *mfa.Engine,
	accessTTL time.Duration,
	logger *zap.Logger,
) *AuthService {
	return &AuthService{
		issuer:      issuer,
		validator:   validator,
		sessions:    sessions,
		renewer:     renewer,
		refresh:     refreshSvc,
		revocations: revocations,
		anomaly:     anomaly,
		hijack:      hijack,
		challenges:  challenges,
		accessTTL:   accessTTL,
		logger:      logger,
		tracer:      otel.Tracer("authcore/service"),
	}
}

func (s *AuthService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name)
}

func (s *AuthService) audit(event string, fields ...interface{}) {
	s.logger.Sugar().Infow(event, fields...)
}

// ClientContext carries the request fingerprint attached to security
// decisions.
type ClientContext struct {
	IP        string
	DeviceID  string
	UserAgent string
	Latitude  float64
	Longitude float64
}

func (c ClientContext) activity(at time.Time) security.Activity {
	return security.Activity{
		IP:        c.IP,
		DeviceID:  c.DeviceID,
		UserAgent: c.UserAgent,
		Latitude:  c.Latitude,
		Longitude: c.Longitude,
		At:        at,
	}
}

// LoginResult is the outcome of Login.
type LoginResult struct {
	Tokens    token.TokenPair
	Session   *session.Session
	Anomalies []security.Event
	RiskScore int
}

// Login establishes a session for an already-authenticated principal
// and mints its first token pair. Credential verification happens
// upstream; this service owns everything that follows it.
func (s *AuthService) Login(ctx context.Context, userID, tenantID string, scopes []string, client ClientContext) (*LoginResult, error) {
	ctx, span := s.startSpan(ctx, "AuthService.Login")
	defer span.End()

	// Detection informs; it never blocks login. A listing failure here
	// just means no baseline.
	var anomalies []security.Event
	if prior, err := s.sessions.UserSessions(ctx, userID); err == nil {
		anomalies = s.anomaly.EvaluateLogin(prior, client.activity(time.Now()))
	} else {
		s.logger.Warn("login anomaly baseline unavailable",
			zap.String("user_id", userID), zap.Error(err))
	}

	sess, err := s.sessions.Create(ctx, session.NewSessionParams{
		UserID:    userID,
		TenantID:  tenantID,
		IP:        client.IP,
		DeviceID:  client.DeviceID,
		UserAgent: client.UserAgent,
		Latitude:  client.Latitude,
		Longitude: client.Longitude,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	issued, err := s.refresh.Issue(ctx, userID, tenantID, sess.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	access, _, err := s.issuer.IssueAccessToken(userID, tenantID, sess.ID, scopes)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.audit("auth.login.success", "tenant_id", tenantID, "user_id", userID, "session_id", sess.ID)
	return &LoginResult{
		Tokens: token.TokenPair{
			AccessToken:      access,
			RefreshToken:     issued.Secret,
			TokenType:        "Bearer",
			ExpiresIn:        int64(s.accessTTL.Seconds()),
			RefreshExpiresIn: int64(time.Until(issued.Token.ExpiresAt).Seconds()),
		},
		Session:   sess,
		Anomalies: anomalies,
		RiskScore: security.RiskScore(anomalies),
	}, nil
}

// RefreshResult is the outcome of Refresh.
type RefreshResult struct {
	Tokens         token.TokenPair
	Session        *session.Session
	SessionRenewed bool
}

// Refresh rotates the refresh token, slides the session expiry, and
// mints a new access token. Reuse of a spent refresh token burns the
// family and terminates the session it was bound to.
func (s *AuthService) Refresh(ctx context.Context, refreshSecret string, client ClientContext) (*RefreshResult, error) {
	ctx, span := s.startSpan(ctx, "AuthService.Refresh")
	defer span.End()

	rotated, err := s.refresh.Rotate(ctx, refreshSecret)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, refresh.ErrReuseDetected) {
			s.onRefreshReuse(ctx, refreshSecret)
		}
		return nil, err
	}
	tok := rotated.Token

	sess, err := s.sessions.Touch(ctx, tok.SessionID, client.IP)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("refresh session: %w", err)
	}

	renewal, err := s.renewer.Renew(ctx, sess.ID, false)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if renewal.Session != nil {
		sess = renewal.Session
	}

	access, _, err := s.issuer.IssueAccessToken(tok.UserID, tok.TenantID, sess.ID, nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.audit("auth.refresh.success",
		"tenant_id", tok.TenantID, "user_id", tok.UserID,
		"session_id", sess.ID, "session_renewed", renewal.Renewed)
	return &RefreshResult{
		Tokens: token.TokenPair{
			AccessToken:      access,
			RefreshToken:     rotated.Secret,
			TokenType:        "Bearer",
			ExpiresIn:        int64(s.accessTTL.Seconds()),
			RefreshExpiresIn: int64(time.Until(tok.ExpiresAt).Seconds()),
		},
		Session:        sess,
		SessionRenewed: renewal.Renewed,
	}, nil
}

// onRefreshReuse terminates the session the replayed token pointed at.
// The family itself is already burned by the rotation path.
func (s *AuthService) onRefreshReuse(ctx context.Context, refreshSecret string) {
	tok, ok, err := s.refresh.Lookup(ctx, refreshSecret)
	if err != nil || !ok {
		return
	}
	if err := s.terminateSession(ctx, tok.SessionID, tok.UserID, tok.TenantID, "refresh_reuse"); err != nil {
		s.logger.Warn("terminate session after reuse", zap.Error(err))
	}
	s.audit("auth.refresh.reuse", "user_id", tok.UserID, "session_id", tok.SessionID)
}

// VerifyAccess validates an access token and returns its claims.
func (s *AuthService) VerifyAccess(ctx context.Context, raw string) (*token.AccessClaims, error) {
	ctx, span := s.startSpan(ctx, "AuthService.VerifyAccess")
	defer span.End()

	claims, err := s.validator.Validate(ctx, raw)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return claims, nil
}

// Logout revokes the caller's refresh family, terminates the session,
// and invalidates outstanding access tokens bound to it.
func (s *AuthService) Logout(ctx context.Context, refreshSecret string) error {
	ctx, span := s.startSpan(ctx, "AuthService.Logout")
	defer span.End()

	tok, ok, err := s.refresh.Lookup(ctx, refreshSecret)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !ok {
		return refresh.ErrInvalidToken
	}

	if err := s.refresh.RevokeFamilyForToken(ctx, refreshSecret, "logout"); err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.terminateSession(ctx, tok.SessionID, tok.UserID, tok.TenantID, "logout"); err != nil {
		span.RecordError(err)
		return err
	}
	s.audit("auth.logout.success", "user_id", tok.UserID, "session_id", tok.SessionID)
	return nil
}

// TerminateAllSessions kills every session and refresh token a user
// holds, optionally sparing the caller's current session.
func (s *AuthService) TerminateAllSessions(ctx context.Context, userID, tenantID, spareSessionID, reason string) (int, error) {
	ctx, span := s.startSpan(ctx, "AuthService.TerminateAllSessions")
	defer span.End()

	removed, err := s.sessions.TerminateAllForUser(ctx, userID, spareSessionID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	for _, id := range removed {
		if err := s.revocations.RevokeSessionTokens(ctx, id, userID, tenantID, reason, 0); err != nil {
			span.RecordError(err)
			return len(removed), err
		}
	}

	deleted, err := s.refresh.RevokeAllForUser(ctx, userID, reason)
	if err != nil {
		span.RecordError(err)
		return len(removed), err
	}

	count := len(removed)
	if err := s.revocations.RevokeUserTokens(ctx, userID, tenantID, reason, &count); err != nil {
		span.RecordError(err)
		return count, err
	}

	s.audit("auth.sessions.terminate_all",
		"user_id", userID, "sessions_removed", count, "refresh_tokens_removed", deleted)
	return count, nil
}

// ActivityReport is the outcome of EvaluateActivity.
type ActivityReport struct {
	Events    []security.Event `json:"events"`
	RiskScore int              `json:"risk_score"`
	Hijack    security.Verdict `json:"hijack"`
}

// EvaluateActivity runs anomaly and hijack detection for fresh request
// context against the session, enforcing the hijack verdict: terminate
// kills the session, challenge opens an MFA challenge.
func (s *AuthService) EvaluateActivity(ctx context.Context, sessionID string, client ClientContext) (*ActivityReport, *mfa.Challenge, error) {
	ctx, span := s.startSpan(ctx, "AuthService.EvaluateActivity")
	defer span.End()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	act := client.activity(time.Now())
	events := s.anomaly.Evaluate(sess, act)
	verdict := s.hijack.Check(sess, act)
	report := &ActivityReport{
		Events:    events,
		RiskScore: security.RiskScore(events),
		Hijack:    verdict,
	}

	switch verdict.Action {
	case security.ActionTerminate:
		if err := s.terminateSession(ctx, sess.ID, sess.UserID, sess.TenantID, verdict.Type); err != nil {
			span.RecordError(err)
			return report, nil, err
		}
		s.audit("auth.session.hijack_terminated",
			"user_id", sess.UserID, "session_id", sess.ID, "type", verdict.Type)
		return report, nil, ErrSessionTerminated
	case security.ActionChallenge:
		ch, err := s.challenges.Create(ctx, sess.UserID, sess.TenantID, sess.ID, mfa.MethodTOTP)
		if err != nil {
			span.RecordError(err)
			return report, nil, err
		}
		s.audit("auth.session.challenge_issued",
			"user_id", sess.UserID, "session_id", sess.ID, "challenge_id", ch.ID)
		return report, ch, nil
	}
	return report, nil, nil
}

// CompleteChallenge verifies an MFA challenge answer. A correct answer
// marks the bound session as MFA-verified.
func (s *AuthService) CompleteChallenge(ctx context.Context, challengeID, code string) (bool, error) {
	ctx, span := s.startSpan(ctx, "AuthService.CompleteChallenge")
	defer span.End()

	ch, err := s.challenges.Get(ctx, challengeID)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	ok, err := s.challenges.Verify(ctx, challengeID, code)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if ok && ch.SessionID != "" {
		if _, err := s.sessions.Update(ctx, ch.SessionID, func(sess *session.Session) error {
			sess.MFAVerified = true
			return nil
		}); err != nil && !errors.Is(err, session.ErrNotFound) {
			span.RecordError(err)
			return true, err
		}
		s.audit("auth.mfa.verified",
			"user_id", ch.UserID, "session_id", ch.SessionID, "challenge_id", challengeID)
	}
	return ok, nil
}

// SwitchChallengeMethod moves a pending challenge to another method.
func (s *AuthService) SwitchChallengeMethod(ctx context.Context, challengeID, method string) (*mfa.Challenge, error) {
	ctx, span := s.startSpan(ctx, "AuthService.SwitchChallengeMethod")
	defer span.End()

	ch, err := s.challenges.SwitchMethod(ctx, challengeID, method)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return ch, nil
}

// Sessions lists the user's live sessions as client-safe views.
func (s *AuthService) Sessions(ctx context.Context, userID, currentSessionID string) ([]session.View, error) {
	sessions, err := s.sessions.UserSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]session.View, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, session.ViewOf(sess, currentSessionID))
	}
	return views, nil
}

// TerminateSession kills one session by ID.
func (s *AuthService) TerminateSession(ctx context.Context, sessionID, reason string) error {
	ctx, span := s.startSpan(ctx, "AuthService.TerminateSession")
	defer span.End()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	return s.terminateSession(ctx, sess.ID, sess.UserID, sess.TenantID, reason)
}

// IssueServiceToken mints a service-to-service token for an internal
// caller.
func (s *AuthService) IssueServiceToken(ctx context.Context, serviceName string, scopes []string) (string, *token.AccessClaims, error) {
	_, span := s.startSpan(ctx, "AuthService.IssueServiceToken")
	defer span.End()

	signed, claims, err := s.issuer.IssueServiceToken(serviceName, scopes)
	if err != nil {
		span.RecordError(err)
		return "", nil, fmt.Errorf("issue service token: %w", err)
	}
	s.audit("auth.service_token.issued", "service", serviceName, "jti", claims.ID)
	return signed, claims, nil
}

// RevokeTenant is the tenant-wide kill switch.
func (s *AuthService) RevokeTenant(ctx context.Context, tenantID, reason string) error {
	ctx, span := s.startSpan(ctx, "AuthService.RevokeTenant")
	defer span.End()

	if err := s.revocations.RevokeTenantTokens(ctx, tenantID, reason); err != nil {
		span.RecordError(err)
		return err
	}
	s.audit("auth.tenant.revoked", "tenant_id", tenantID, "reason", reason)
	return nil
}

// RevocationStats exposes the revocation store's counters.
func (s *AuthService) RevocationStats(ctx context.Context) (revocation.Stats, error) {
	return s.revocations.Stats(ctx)
}

func (s *AuthService) terminateSession(ctx context.Context, sessionID, userID, tenantID, reason string) error {
	if err := s.sessions.Terminate(ctx, sessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		return err
	}
	return s.revocations.RevokeSessionTokens(ctx, sessionID, userID, tenantID, reason, 0)
}
