package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RevocationChecker answers whether a validated token has been revoked
// at any granularity.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti, userID, sessionID, tenantID string, issuedAt time.Time) (bool, string, error)
}

// ValidatorConfig controls token validation.
type ValidatorConfig struct {
	Issuer            string
	ClockTolerance    time.Duration
	MaxTokenSize      int
	AllowedAlgorithms []string
}

// Validator verifies access tokens. Checks run cheapest-first: size,
// structure, algorithm, signature, claims, then revocation state.
type Validator struct {
	provider *Provider
	revoked  RevocationChecker
	cfg      ValidatorConfig
	allowed  map[string]struct{}
}

// NewValidator creates a Validator. revoked may be nil, in which case
// revocation checks are skipped.
func NewValidator(provider *Provider, revoked RevocationChecker, cfg ValidatorConfig) *Validator {
	if len(cfg.AllowedAlgorithms) == 0 {
		cfg.AllowedAlgorithms = []string{"RS256", "ES256"}
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedAlgorithms))
	for _, alg := range cfg.AllowedAlgorithms {
		allowed[alg] = struct{}{}
	}
	return &Validator{provider: provider, revoked: revoked, cfg: cfg, allowed: allowed}
}

// Validate verifies raw and returns its claims, or a *Error whose Kind
// identifies the failure.
func (v *Validator) Validate(ctx context.Context, raw string) (*AccessClaims, error) {
	if v.cfg.MaxTokenSize > 0 && len(raw) > v.cfg.MaxTokenSize {
		return nil, newError(KindTooLarge, "token exceeds maximum size", "")
	}

	// The signature segment may be empty here so that unsigned tokens
	// are reported as a disallowed algorithm rather than malformed.
	parts := strings.Split(raw, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return nil, newError(KindMalformed, "token is not a compact JWS", "")
	}

	alg, err := headerAlgorithm(parts[0])
	if err != nil {
		return nil, newError(KindMalformed, "unreadable token header", err.Error())
	}
	if _, ok := v.allowed[alg]; !ok {
		return nil, newError(KindBadAlgorithm, "algorithm not permitted", alg)
	}

	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, v.keyfunc,
		jwt.WithValidMethods(v.cfg.AllowedAlgorithms),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.ClockTolerance),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, mapParseError(err)
	}
	if !parsed.Valid {
		return nil, newError(KindBadSignature, "token rejected", "")
	}

	if err := checkRequiredClaims(claims); err != nil {
		return nil, err
	}

	if v.revoked != nil {
		issuedAt := time.Time{}
		if claims.IssuedAt != nil {
			issuedAt = claims.IssuedAt.Time
		}
		revoked, reason, err := v.revoked.IsRevoked(ctx, claims.ID, claims.Subject, claims.SessionID, claims.TenantID, issuedAt)
		if err != nil {
			// Fail closed when revocation state is unreachable.
			return nil, newError(KindRevoked, "storage_unavailable", err.Error())
		}
		if revoked {
			return nil, newError(KindRevoked, reason, "")
		}
	}

	return claims, nil
}

// Peek decodes claims without verifying the signature. Callers must not
// trust the result for authorization decisions.
func (v *Validator) Peek(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return nil, newError(KindMalformed, "token is not a compact JWS", err.Error())
	}
	return claims, nil
}

func (v *Validator) keyfunc(t *jwt.Token) (interface{}, error) {
	kid, _ := t.Header["kid"].(string)
	tenantID := ""
	if c, ok := t.Claims.(*AccessClaims); ok {
		tenantID = c.TenantID
	}
	pub := v.provider.PublicKey(kid, tenantID)
	if pub == nil {
		return nil, errors.New("unknown signing key")
	}
	return pub, nil
}

func headerAlgorithm(seg string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return "", err
	}
	var hdr struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return "", err
	}
	return hdr.Alg, nil
}

func checkRequiredClaims(c *AccessClaims) error {
	switch {
	case c.Subject == "":
		return newError(KindBadClaim, "missing subject", "sub")
	case c.ID == "":
		return newError(KindBadClaim, "missing token id", "jti")
	}
	// Service tokens are not bound to a tenant or session.
	if c.TokenType == TokenTypeService {
		return nil
	}
	switch {
	case c.TenantID == "":
		return newError(KindBadClaim, "missing tenant", "tenant_id")
	case c.SessionID == "":
		return newError(KindBadClaim, "missing session", "session_id")
	}
	return nil
}

func mapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return newError(KindExpired, "token expired", "")
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return newError(KindBadClaim, "token not yet valid", "")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return newError(KindBadClaim, "issuer mismatch", "iss")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return newError(KindBadSignature, "signature verification failed", "")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return newError(KindMalformed, "token is not a compact JWS", "")
	default:
		return newError(KindBadSignature, "signature verification failed", err.Error())
	}
}
