package mfa

import (
	"context"
	"errors"
	"fmt"

	"github.com/caasio/auth-core/internal/storage"
)

// SecretSource resolves a user's enrolled TOTP secret.
type SecretSource interface {
	TOTPSecret(ctx context.Context, userID string) (string, error)
}

// TOTPVerifier verifies authenticator codes.
type TOTPVerifier struct {
	secrets SecretSource
}

// NewTOTPVerifier creates a TOTPVerifier.
func NewTOTPVerifier(secrets SecretSource) *TOTPVerifier {
	return &TOTPVerifier{secrets: secrets}
}

func (v *TOTPVerifier) Verify(ctx context.Context, userID, code string) (bool, error) {
	secret, err := v.secrets.TOTPSecret(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load totp secret: %w", err)
	}
	return VerifyTOTP(secret, code), nil
}

// ErrNotEnrolled is returned when a user has no TOTP secret on file.
var ErrNotEnrolled = errors.New("mfa: user not enrolled")

const totpSecretPrefix = "mfa_totp_secret:"

// KVSecretSource keeps enrolled TOTP secrets in the KV backend.
type KVSecretSource struct {
	kv storage.KV
}

// NewKVSecretSource creates a KVSecretSource.
func NewKVSecretSource(kv storage.KV) *KVSecretSource {
	return &KVSecretSource{kv: kv}
}

func (s *KVSecretSource) TOTPSecret(ctx context.Context, userID string) (string, error) {
	secret, ok, err := s.kv.Get(ctx, totpSecretPrefix+userID)
	if err != nil {
		return "", fmt.Errorf("load totp secret: %w", err)
	}
	if !ok {
		return "", ErrNotEnrolled
	}
	return secret, nil
}

// StoreSecret persists a user's enrolled TOTP secret.
func (s *KVSecretSource) StoreSecret(ctx context.Context, userID, secret string) error {
	if err := s.kv.Set(ctx, totpSecretPrefix+userID, secret, 0); err != nil {
		return fmt.Errorf("store totp secret: %w", err)
	}
	return nil
}

// BackupVerifier verifies and burns recovery codes.
type BackupVerifier struct {
	store *BackupStore
}

// NewBackupVerifier creates a BackupVerifier.
func NewBackupVerifier(store *BackupStore) *BackupVerifier {
	return &BackupVerifier{store: store}
}

func (v *BackupVerifier) Verify(ctx context.Context, userID, code string) (bool, error) {
	return v.store.Consume(ctx, userID, code)
}
