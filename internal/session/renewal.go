package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Renewal outcomes reported in Result.Reason.
const (
	RenewReasonExtended    = "extended"
	RenewReasonCooldown    = "cooldown"
	RenewReasonNotNeeded   = "not_needed"
	RenewReasonMaxLifetime = "max_lifetime_reached"
	RenewReasonDisabled    = "disabled"
)

// RenewalConfig controls the sliding-expiry policy.
type RenewalConfig struct {
	// Enabled turns sliding expiry on. When off, sessions live out
	// their original TTL and every renewal attempt is declined.
	Enabled bool
	// TTL is the standard extension granted by a renewal.
	TTL time.Duration
	// Cooldown is the minimum gap between renewals of one session.
	Cooldown time.Duration
	// MaxLifetime caps a session's total age regardless of activity.
	MaxLifetime time.Duration
	// Threshold: renewal only happens once remaining validity drops
	// below this.
	Threshold time.Duration
}

// Result describes one renewal attempt. Renewed false with a nil error
// means the policy declined; Reason says why.
type Result struct {
	Renewed   bool
	Reason    string
	Session   *Session
	ExpiresAt time.Time
}

// Renewer implements sliding session expiry.
type Renewer struct {
	store  *Store
	cfg    RenewalConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewRenewer creates a Renewer.
func NewRenewer(store *Store, cfg RenewalConfig, logger *zap.Logger) *Renewer {
	return &Renewer{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// Renew extends a session per policy. force bypasses the cooldown and
// the threshold but never the lifetime cap. The extension is the
// standard TTL, clamped to the headroom left under MaxLifetime.
func (r *Renewer) Renew(ctx context.Context, sessionID string, force bool) (*Result, error) {
	sess, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if !r.cfg.Enabled {
		return &Result{Reason: RenewReasonDisabled, Session: sess, ExpiresAt: sess.ExpiryTime()}, nil
	}

	now := r.now()
	age := now.Sub(sess.CreatedTime())
	if age >= r.cfg.MaxLifetime {
		return &Result{Reason: RenewReasonMaxLifetime, Session: sess, ExpiresAt: sess.ExpiryTime()}, nil
	}

	if !force {
		if last := sess.LastRenewalTime(); !last.IsZero() && now.Sub(last) < r.cfg.Cooldown {
			return &Result{Reason: RenewReasonCooldown, Session: sess, ExpiresAt: sess.ExpiryTime()}, nil
		}
		if remaining := sess.ExpiryTime().Sub(now); remaining > r.cfg.Threshold {
			return &Result{Reason: RenewReasonNotNeeded, Session: sess, ExpiresAt: sess.ExpiryTime()}, nil
		}
	}

	extension := r.cfg.TTL
	if headroom := r.cfg.MaxLifetime - age; headroom < extension {
		extension = headroom
	}
	newExpiry := now.Add(extension)

	updated, err := r.store.Update(ctx, sessionID, func(sess *Session) error {
		sess.ExpiresAt = newExpiry.Unix()
		sess.LastRenewal = now.Unix()
		sess.LastSeenAt = now.Unix()
		sess.RenewCount++
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := r.store.ExtendTTL(ctx, sessionID, extension); err != nil {
		return nil, err
	}

	r.logger.Debug("session renewed",
		zap.String("session_id", sessionID),
		zap.Duration("extension", extension),
		zap.Bool("forced", force))
	return &Result{Renewed: true, Reason: RenewReasonExtended, Session: updated, ExpiresAt: newExpiry}, nil
}
