package refresh

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/caasio/auth-core/internal/telemetry"
)

// Reuse classifications reported by Detect.
const (
	ReuseTokenUsed     = "token_used"
	ReuseFamilyRevoked = "family_revoked"
	ReuseChainBroken   = "chain_broken"
)

// Pattern heuristics flagged by CheckPattern.
const (
	PatternTooManyFamilies = "too_many_active_families"
	PatternRapidCreation   = "rapid_family_creation"
)

const (
	maxActiveFamilies  = 10
	maxFamiliesPerHour = 5
)

// Detector classifies refresh token replay and suspicious family
// creation patterns. Any positive classification is handled the same
// way: the family is burned.
type Detector struct {
	families *FamilyStore
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewDetector creates a Detector.
func NewDetector(families *FamilyStore, metrics *telemetry.Metrics, logger *zap.Logger) *Detector {
	return &Detector{families: families, metrics: metrics, logger: logger, now: time.Now}
}

// Detect reports whether presenting tok constitutes reuse, with the
// classification. The caller has already loaded tok from storage.
func (d *Detector) Detect(ctx context.Context, tok *Token) (bool, string, error) {
	if tok.Used {
		return true, ReuseTokenUsed, nil
	}
	fam, ok, err := d.families.Get(ctx, tok.FamilyID)
	if err != nil {
		return false, "", err
	}
	if !ok || fam.Revoked {
		return true, ReuseFamilyRevoked, nil
	}
	if !fam.Contains(tok.ID) {
		return true, ReuseChainBroken, nil
	}
	// A token claiming descent from an id the family never issued is a
	// forged record, not a rotation.
	if tok.ParentID != "" && !fam.Contains(tok.ParentID) {
		return true, ReuseChainBroken, nil
	}
	return false, "", nil
}

// HandleReuse burns the token's family. Every classification gets the
// same response; distinguishing them only matters for the audit trail.
func (d *Detector) HandleReuse(ctx context.Context, tok *Token, classification string) error {
	d.metrics.ReuseDetected.Inc()
	d.logger.Warn("refresh token reuse detected",
		zap.String("token_id", tok.ID),
		zap.String("family_id", tok.FamilyID),
		zap.String("user_id", tok.UserID),
		zap.String("classification", classification))
	if err := d.families.Revoke(ctx, tok.FamilyID, classification); err != nil {
		return err
	}
	return nil
}

// CheckPattern flags users whose family footprint looks like credential
// stuffing or token harvesting.
func (d *Detector) CheckPattern(ctx context.Context, userID string) (bool, []string, error) {
	families, err := d.families.UserFamilies(ctx, userID)
	if err != nil {
		return false, nil, err
	}

	active := 0
	recent := 0
	hourAgo := d.now().Add(-time.Hour)
	for _, fam := range families {
		if !fam.Revoked {
			active++
		}
		if fam.CreatedAt.After(hourAgo) {
			recent++
		}
	}

	var reasons []string
	if active > maxActiveFamilies {
		reasons = append(reasons, PatternTooManyFamilies)
	}
	if recent > maxFamiliesPerHour {
		reasons = append(reasons, PatternRapidCreation)
	}
	if len(reasons) > 0 {
		d.logger.Warn("suspicious refresh pattern",
			zap.String("user_id", userID),
			zap.Int("active_families", active),
			zap.Int("recent_families", recent),
			zap.Strings("reasons", reasons))
	}
	return len(reasons) > 0, reasons, nil
}
