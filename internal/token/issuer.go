package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims is the claim set carried by every access token. Service
// tokens reuse the shape with TokenType set and no tenant or session
// binding.
type AccessClaims struct {
	TenantID  string   `json:"tenant_id,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// TokenTypeService marks a service-to-service token.
const TokenTypeService = "service"

// TokenPair is the result of issuance: a signed access token plus an
// opaque refresh secret. The refresh secret is never a JWT and is only
// ever stored as a hash.
type TokenPair struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

// IssuerConfig controls token issuance.
type IssuerConfig struct {
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	ServiceTTL time.Duration
}

// Issuer builds signed access tokens using the Provider's active key.
type Issuer struct {
	provider *Provider
	cfg      IssuerConfig
	now      func() time.Time
}

// NewIssuer creates an Issuer.
func NewIssuer(provider *Provider, cfg IssuerConfig) *Issuer {
	return &Issuer{provider: provider, cfg: cfg, now: time.Now}
}

// IssueAccessToken signs an access token bound to a user, tenant, and
// session. The signing key's kid is embedded in the header so validators
// can resolve the right public key after rotation.
func (i *Issuer) IssueAccessToken(userID, tenantID, sessionID string, scopes []string) (string, *AccessClaims, error) {
	key, err := i.provider.SigningKey(tenantID)
	if err != nil {
		return "", nil, err
	}

	now := i.now()
	claims := &AccessClaims{
		TenantID:  tenantID,
		SessionID: sessionID,
		Scopes:    scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{tenantID},
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.AccessTTL)),
		},
	}

	method := jwt.GetSigningMethod(key.Algorithm)
	if method == nil {
		return "", nil, fmt.Errorf("unknown signing method %q", key.Algorithm)
	}

	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = key.KID

	signed, err := tok.SignedString(key.Private)
	if err != nil {
		return "", nil, fmt.Errorf("sign access token: %w", err)
	}
	return signed, claims, nil
}

// IssueServiceToken signs a service-to-service token on the platform
// key. Service tokens carry no tenant or session binding; they identify
// the calling service by subject.
func (i *Issuer) IssueServiceToken(service string, scopes []string) (string, *AccessClaims, error) {
	key, err := i.provider.SigningKey("")
	if err != nil {
		return "", nil, err
	}

	ttl := i.cfg.ServiceTTL
	if ttl <= 0 {
		ttl = i.cfg.AccessTTL
	}
	now := i.now()
	claims := &AccessClaims{
		TokenType: TokenTypeService,
		Scopes:    scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   service,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	method := jwt.GetSigningMethod(key.Algorithm)
	if method == nil {
		return "", nil, fmt.Errorf("unknown signing method %q", key.Algorithm)
	}
	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = key.KID

	signed, err := tok.SignedString(key.Private)
	if err != nil {
		return "", nil, fmt.Errorf("sign service token: %w", err)
	}
	return signed, claims, nil
}

// IssuePair issues an access token together with a fresh opaque refresh
// secret.
func (i *Issuer) IssuePair(userID, tenantID, sessionID string, scopes []string) (TokenPair, *AccessClaims, error) {
	access, claims, err := i.IssueAccessToken(userID, tenantID, sessionID, scopes)
	if err != nil {
		return TokenPair{}, nil, err
	}
	refresh, err := NewRefreshSecret()
	if err != nil {
		return TokenPair{}, nil, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		ExpiresIn:        int64(i.cfg.AccessTTL.Seconds()),
		RefreshExpiresIn: int64(i.cfg.RefreshTTL.Seconds()),
	}, claims, nil
}

// NewRefreshSecret returns a 256-bit random opaque token.
func NewRefreshSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
