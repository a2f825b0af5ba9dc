package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrNoSigningKey is returned when no active platform key is loaded.
var ErrNoSigningKey = errors.New("token: no signing key available")

// SigningKey holds one signing key pair. Keys are deactivated on rotation
// but never removed: verification of unexpired tokens signed with an old
// key must keep working.
type SigningKey struct {
	KID       string
	Algorithm string // RS256 or ES256
	Private   crypto.Signer
	Public    crypto.PublicKey
	CreatedAt time.Time
	Active    bool
}

// Provider selects signing keys for issuance and resolves public keys for
// verification. Platform keys are global; tenant keys are scoped and take
// priority when enabled.
type Provider struct {
	mu            sync.RWMutex
	platform      map[string]*SigningKey
	tenants       map[string]map[string]*SigningKey
	platformKeyID string
	tenantKeys    bool
}

// RotationStatus summarizes loaded key material.
type RotationStatus struct {
	PlatformKeys int
	TenantKeys   int
	ActiveKeys   int
}

// PublicKeyInfo is the JWKS-style listing entry.
type PublicKeyInfo struct {
	KID       string
	Algorithm string
	Public    crypto.PublicKey
}

// NewProvider creates an empty provider. Load the platform key with
// LoadPlatformKeys or AddSigningKey before issuing.
func NewProvider(platformKeyID string, enableTenantKeys bool) *Provider {
	return &Provider{
		platform:      make(map[string]*SigningKey),
		tenants:       make(map[string]map[string]*SigningKey),
		platformKeyID: platformKeyID,
		tenantKeys:    enableTenantKeys,
	}
}

// LoadPlatformKeys reads private.pem/public.pem from dir and installs the
// pair as the active platform key with the configured algorithm.
func (p *Provider) LoadPlatformKeys(dir, algorithm string) error {
	privPEM, err := os.ReadFile(filepath.Join(dir, "private.pem"))
	if err != nil {
		return fmt.Errorf("read platform private key: %w", err)
	}
	pubPEM, err := os.ReadFile(filepath.Join(dir, "public.pem"))
	if err != nil {
		return fmt.Errorf("read platform public key: %w", err)
	}

	signer, err := ParsePrivateKeyPEM(privPEM)
	if err != nil {
		return fmt.Errorf("parse platform private key: %w", err)
	}
	public, err := ParsePublicKeyPEM(pubPEM)
	if err != nil {
		return fmt.Errorf("parse platform public key: %w", err)
	}
	if err := checkKeyAlgorithm(signer, algorithm); err != nil {
		return err
	}

	p.AddSigningKey(&SigningKey{
		KID:       p.platformKeyID,
		Algorithm: algorithm,
		Private:   signer,
		Public:    public,
		CreatedAt: time.Now(),
		Active:    true,
	}, "")
	return nil
}

// SigningKey returns the key to sign with: the newest active tenant key if
// tenant keys are enabled and present, else the active platform key.
func (p *Provider) SigningKey(tenantID string) (*SigningKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.tenantKeys && tenantID != "" {
		if keys := p.tenants[tenantID]; len(keys) > 0 {
			var active []*SigningKey
			for _, k := range keys {
				if k.Active {
					active = append(active, k)
				}
			}
			if len(active) > 0 {
				sort.Slice(active, func(i, j int) bool {
					return active[i].CreatedAt.After(active[j].CreatedAt)
				})
				return active[0], nil
			}
		}
	}

	// Prefer the configured key while it is active; after rotation the
	// newest active platform key takes over.
	if key, ok := p.platform[p.platformKeyID]; ok && key.Active {
		return key, nil
	}
	var active []*SigningKey
	for _, k := range p.platform {
		if k.Active {
			active = append(active, k)
		}
	}
	if len(active) == 0 {
		return nil, ErrNoSigningKey
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})
	return active[0], nil
}

// PublicKey resolves a verification key by kid, tenant keys taking
// priority. Deactivated keys still resolve. Returns nil when unknown.
func (p *Provider) PublicKey(kid, tenantID string) crypto.PublicKey {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if tenantID != "" {
		if key, ok := p.tenants[tenantID][kid]; ok {
			return key.Public
		}
	}
	if key, ok := p.platform[kid]; ok {
		return key.Public
	}
	return nil
}

// AddSigningKey installs a key for rotation. Existing keys are untouched:
// tokens signed with older keys remain verifiable.
func (p *Provider) AddSigningKey(key *SigningKey, tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tenantID != "" {
		if p.tenants[tenantID] == nil {
			p.tenants[tenantID] = make(map[string]*SigningKey)
		}
		p.tenants[tenantID][key.KID] = key
		return
	}
	p.platform[key.KID] = key
}

// DeactivateKey stops a key from being used for new issuance. The key is
// retained for verification.
func (p *Provider) DeactivateKey(kid, tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tenantID != "" {
		if key, ok := p.tenants[tenantID][kid]; ok {
			key.Active = false
		}
		return
	}
	if key, ok := p.platform[kid]; ok {
		key.Active = false
	}
}

// IsKeyActive reports whether a key exists and is active.
func (p *Provider) IsKeyActive(kid, tenantID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if tenantID != "" {
		key, ok := p.tenants[tenantID][kid]
		return ok && key.Active
	}
	key, ok := p.platform[kid]
	return ok && key.Active
}

// RotationStatus reports key counts for rotation bookkeeping.
func (p *Provider) RotationStatus() RotationStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := RotationStatus{PlatformKeys: len(p.platform)}
	for _, key := range p.platform {
		if key.Active {
			status.ActiveKeys++
		}
	}
	for _, keys := range p.tenants {
		status.TenantKeys += len(keys)
		for _, key := range keys {
			if key.Active {
				status.ActiveKeys++
			}
		}
	}
	return status
}

// ActivePublicKeys lists active platform keys for JWKS-style exposure.
func (p *Provider) ActivePublicKeys() []PublicKeyInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var keys []PublicKeyInfo
	for _, key := range p.platform {
		if key.Active {
			keys = append(keys, PublicKeyInfo{KID: key.KID, Algorithm: key.Algorithm, Public: key.Public})
		}
	}
	return keys
}

// ParsePrivateKeyPEM parses an RSA or ECDSA private key in PKCS1, SEC1,
// or PKCS8 encoding.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid private key PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.New("unable to parse private key")
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, errors.New("private key does not implement crypto.Signer")
	}
	return signer, nil
}

// ParsePublicKeyPEM parses a PKIX-encoded RSA or ECDSA public key.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid public key PEM")
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, errors.New("unable to parse public key")
}

// KIDFromPublicKey derives a stable key id from the public key material.
func KIDFromPublicKey(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

func checkKeyAlgorithm(signer crypto.Signer, algorithm string) error {
	switch algorithm {
	case "RS256":
		if _, ok := signer.(*rsa.PrivateKey); !ok {
			return fmt.Errorf("algorithm RS256 requires an RSA key")
		}
	case "ES256":
		if _, ok := signer.(*ecdsa.PrivateKey); !ok {
			return fmt.Errorf("algorithm ES256 requires an ECDSA key")
		}
	default:
		return fmt.Errorf("unsupported algorithm %q", algorithm)
	}
	return nil
}
