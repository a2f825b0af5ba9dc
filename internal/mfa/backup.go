package mfa

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/caasio/auth-core/internal/storage"
)

const (
	backupCodeCount = 10
	backupSetPrefix = "mfa_backup_codes:"
)

// GenerateBackupCodes mints single-use recovery codes. Only their
// bcrypt hashes should ever be stored.
func GenerateBackupCodes(count int) ([]string, error) {
	if count <= 0 {
		count = backupCodeCount
	}
	codes := make([]string, count)
	for i := range codes {
		buf := make([]byte, 6)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		codes[i] = base64.RawURLEncoding.EncodeToString(buf)[:8]
	}
	return codes, nil
}

// HashBackupCode hashes a code for storage.
func HashBackupCode(code string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash backup code: %w", err)
	}
	return string(hash), nil
}

// BackupStore keeps each user's unspent backup code hashes.
type BackupStore struct {
	kv storage.KV
}

// NewBackupStore creates a BackupStore.
func NewBackupStore(kv storage.KV) *BackupStore {
	return &BackupStore{kv: kv}
}

// Replace issues a fresh batch of codes for the user, invalidating any
// previous batch, and returns the plaintext codes exactly once.
func (s *BackupStore) Replace(ctx context.Context, userID string, count int) ([]string, error) {
	codes, err := GenerateBackupCodes(count)
	if err != nil {
		return nil, err
	}
	if _, err := s.kv.Del(ctx, backupSetPrefix+userID); err != nil {
		return nil, fmt.Errorf("drop backup codes: %w", err)
	}
	for _, code := range codes {
		hash, err := HashBackupCode(code)
		if err != nil {
			return nil, err
		}
		if err := s.kv.SetAdd(ctx, backupSetPrefix+userID, hash); err != nil {
			return nil, fmt.Errorf("store backup code: %w", err)
		}
	}
	return codes, nil
}

// Consume verifies a code and burns it on success. Each code works
// exactly once.
func (s *BackupStore) Consume(ctx context.Context, userID, code string) (bool, error) {
	hashes, err := s.kv.SetMembers(ctx, backupSetPrefix+userID)
	if err != nil {
		return false, fmt.Errorf("list backup codes: %w", err)
	}
	for _, hash := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) != nil {
			continue
		}
		if err := s.kv.SetRemove(ctx, backupSetPrefix+userID, hash); err != nil {
			return false, fmt.Errorf("burn backup code: %w", err)
		}
		return true, nil
	}
	return false, nil
}

// Remaining reports how many unspent codes the user has left.
func (s *BackupStore) Remaining(ctx context.Context, userID string) (int, error) {
	n, err := s.kv.SetCard(ctx, backupSetPrefix+userID)
	if err != nil {
		return 0, fmt.Errorf("count backup codes: %w", err)
	}
	return int(n), nil
}
