package mfa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caasio/auth-core/internal/storage"
)

const challengeKeyPrefix = "mfa_challenge:"

// Challenge methods.
const (
	MethodTOTP       = "totp"
	MethodBackupCode = "backup_code"
)

// Challenge engine errors.
var (
	ErrChallengeNotFound = errors.New("mfa: challenge not found or expired")
	ErrMaxAttempts       = errors.New("mfa: maximum attempts exceeded")
	ErrMaxSwitches       = errors.New("mfa: maximum method switches exceeded")
	ErrUnknownMethod     = errors.New("mfa: unknown method")
)

// Challenge is one pending step-up verification.
type Challenge struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	SessionID string    `json:"session_id,omitempty"`
	Method    string    `json:"method"`
	Attempts  int       `json:"attempts"`
	Switches  int       `json:"switches"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Verifier checks a code for one method.
type Verifier interface {
	Verify(ctx context.Context, userID, code string) (bool, error)
}

// EngineConfig controls the challenge lifecycle.
type EngineConfig struct {
	TTL         time.Duration
	MaxAttempts int
	MaxSwitches int
}

// Engine runs MFA challenges. Attempts are counted across the whole
// challenge, not per method, so switching methods never refills the
// budget.
type Engine struct {
	kv        storage.KV
	cfg       EngineConfig
	verifiers map[string]Verifier
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates an Engine with the given method verifiers.
func NewEngine(kv storage.KV, cfg EngineConfig, verifiers map[string]Verifier, logger *zap.Logger) *Engine {
	return &Engine{kv: kv, cfg: cfg, verifiers: verifiers, logger: logger, now: time.Now}
}

// Create opens a challenge for the user with the requested method.
func (e *Engine) Create(ctx context.Context, userID, tenantID, sessionID, method string) (*Challenge, error) {
	if _, ok := e.verifiers[method]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	now := e.now().UTC()
	ch := &Challenge{
		ID:        uuid.NewString(),
		UserID:    userID,
		TenantID:  tenantID,
		SessionID: sessionID,
		Method:    method,
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.TTL),
	}
	data, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("marshal challenge: %w", err)
	}
	if err := e.kv.Set(ctx, challengeKeyPrefix+ch.ID, string(data), e.cfg.TTL); err != nil {
		return nil, fmt.Errorf("save challenge: %w", err)
	}
	e.logger.Info("mfa challenge created",
		zap.String("challenge_id", ch.ID),
		zap.String("user_id", userID),
		zap.String("method", method))
	return ch, nil
}

// Get loads a challenge.
func (e *Engine) Get(ctx context.Context, challengeID string) (*Challenge, error) {
	val, ok, err := e.kv.Get(ctx, challengeKeyPrefix+challengeID)
	if err != nil {
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	if !ok {
		return nil, ErrChallengeNotFound
	}
	ch := &Challenge{}
	if err := json.Unmarshal([]byte(val), ch); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	if e.now().After(ch.ExpiresAt) {
		return nil, ErrChallengeNotFound
	}
	return ch, nil
}

// Verify checks a code. The attempt is counted before verification so
// a crash mid-verify can never grant a free retry. The challenge is
// deleted on success and when the attempt budget runs out.
func (e *Engine) Verify(ctx context.Context, challengeID, code string) (bool, error) {
	ch, err := e.bumpAttempts(ctx, challengeID)
	if err != nil {
		if errors.Is(err, ErrMaxAttempts) {
			e.drop(ctx, challengeID)
		}
		return false, err
	}

	verifier, ok := e.verifiers[ch.Method]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownMethod, ch.Method)
	}
	valid, err := verifier.Verify(ctx, ch.UserID, code)
	if err != nil {
		return false, err
	}
	if !valid {
		e.logger.Info("mfa verification failed",
			zap.String("challenge_id", challengeID),
			zap.Int("attempts", ch.Attempts))
		return false, nil
	}

	e.drop(ctx, challengeID)
	e.logger.Info("mfa verification succeeded",
		zap.String("challenge_id", challengeID),
		zap.String("user_id", ch.UserID),
		zap.String("method", ch.Method))
	return true, nil
}

// SwitchMethod changes the challenge's method in place. The attempt
// count carries over and switches are capped, so cycling methods
// cannot extend the budget.
func (e *Engine) SwitchMethod(ctx context.Context, challengeID, method string) (*Challenge, error) {
	if _, ok := e.verifiers[method]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	var updated *Challenge
	err := e.kv.Update(ctx, challengeKeyPrefix+challengeID, func(current string) (string, error) {
		ch := &Challenge{}
		if err := json.Unmarshal([]byte(current), ch); err != nil {
			return "", fmt.Errorf("decode challenge: %w", err)
		}
		if e.now().After(ch.ExpiresAt) {
			return "", ErrChallengeNotFound
		}
		if ch.Switches+1 > e.cfg.MaxSwitches {
			return "", ErrMaxSwitches
		}
		ch.Switches++
		ch.Method = method
		data, err := json.Marshal(ch)
		if err != nil {
			return "", fmt.Errorf("marshal challenge: %w", err)
		}
		updated = ch
		return string(data), nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, ErrChallengeNotFound) {
			return nil, ErrChallengeNotFound
		}
		if errors.Is(err, ErrMaxSwitches) {
			return nil, ErrMaxSwitches
		}
		return nil, fmt.Errorf("switch challenge method: %w", err)
	}
	return updated, nil
}

// Cancel discards a pending challenge.
func (e *Engine) Cancel(ctx context.Context, challengeID string) error {
	if _, err := e.kv.Del(ctx, challengeKeyPrefix+challengeID); err != nil {
		return fmt.Errorf("cancel challenge: %w", err)
	}
	return nil
}

func (e *Engine) bumpAttempts(ctx context.Context, challengeID string) (*Challenge, error) {
	var updated *Challenge
	err := e.kv.Update(ctx, challengeKeyPrefix+challengeID, func(current string) (string, error) {
		ch := &Challenge{}
		if err := json.Unmarshal([]byte(current), ch); err != nil {
			return "", fmt.Errorf("decode challenge: %w", err)
		}
		if e.now().After(ch.ExpiresAt) {
			return "", ErrChallengeNotFound
		}
		ch.Attempts++
		if ch.Attempts > e.cfg.MaxAttempts {
			return "", ErrMaxAttempts
		}
		data, err := json.Marshal(ch)
		if err != nil {
			return "", fmt.Errorf("marshal challenge: %w", err)
		}
		updated = ch
		return string(data), nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, ErrChallengeNotFound) {
			return nil, ErrChallengeNotFound
		}
		if errors.Is(err, ErrMaxAttempts) {
			return nil, ErrMaxAttempts
		}
		return nil, fmt.Errorf("count challenge attempt: %w", err)
	}
	return updated, nil
}

func (e *Engine) drop(ctx context.Context, challengeID string) {
	if _, err := e.kv.Del(ctx, challengeKeyPrefix+challengeID); err != nil {
		e.logger.Warn("delete mfa challenge", zap.Error(err))
	}
}
