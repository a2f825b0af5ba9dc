package refresh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caasio/auth-core/internal/storage"
	"github.com/caasio/auth-core/internal/telemetry"
	"github.com/caasio/auth-core/internal/token"
)

func newTestRefresh(t *testing.T, policy Policy) (*Service, *storage.MemoryKV) {
	t.Helper()
	kv := storage.NewMemoryKV()
	ttl := 7 * 24 * time.Hour
	families := NewFamilyStore(kv, ttl)
	detector := NewDetector(families, telemetry.NewMetrics(), zap.NewNop())
	svc, err := NewService(NewStore(kv, ttl), families, detector, policy, ttl, zap.NewNop())
	require.NoError(t, err)
	return svc, kv
}

func fullPolicy() Policy {
	return Policy{Enabled: true, ReuseDetection: true, RevokeFamily: true}
}

func TestPolicyValidation(t *testing.T) {
	kv := storage.NewMemoryKV()
	families := NewFamilyStore(kv, time.Hour)
	detector := NewDetector(families, telemetry.NewMetrics(), zap.NewNop())

	_, err := NewService(NewStore(kv, time.Hour), families, detector,
		Policy{Enabled: true, ReuseDetection: false, RevokeFamily: true},
		time.Hour, zap.NewNop())
	require.Error(t, err)
}

func TestIssueAndRotate(t *testing.T) {
	svc, _ := newTestRefresh(t, fullPolicy())
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", "tenant-1", "sess-1")
	require.NoError(t, err)
	require.NotEmpty(t, issued.Secret)
	require.NotEmpty(t, issued.FamilyID)

	rotated, err := svc.Rotate(ctx, issued.Secret)
	require.NoError(t, err)
	require.NotEqual(t, issued.Secret, rotated.Secret)
	require.Equal(t, issued.FamilyID, rotated.FamilyID)
	require.Equal(t, issued.Token.ID, rotated.Token.ParentID)

	// The chain keeps growing through further rotations.
	again, err := svc.Rotate(ctx, rotated.Secret)
	require.NoError(t, err)
	require.Equal(t, rotated.Token.ID, again.Token.ParentID)
}

func TestRotateUnknownToken(t *testing.T) {
	svc, _ := newTestRefresh(t, fullPolicy())

	_, err := svc.Rotate(context.Background(), "no-such-secret")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestReuseBurnsFamily(t *testing.T) {
	svc, _ := newTestRefresh(t, fullPolicy())
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", "tenant-1", "sess-1")
	require.NoError(t, err)

	rotated, err := svc.Rotate(ctx, issued.Secret)
	require.NoError(t, err)

	// Replaying the consumed token is reuse.
	_, err = svc.Rotate(ctx, issued.Secret)
	require.ErrorIs(t, err, ErrReuseDetected)

	// The family burned, so even the legitimate successor is dead.
	_, err = svc.Rotate(ctx, rotated.Secret)
	require.ErrorIs(t, err, ErrReuseDetected)
}

func TestReuseBurnsAllUserFamilies(t *testing.T) {
	svc, _ := newTestRefresh(t, fullPolicy())
	ctx := context.Background()

	first, err := svc.Issue(ctx, "user-1", "tenant-1", "sess-1")
	require.NoError(t, err)
	second, err := svc.Issue(ctx, "user-1", "tenant-1", "sess-2")
	require.NoError(t, err)
	other, err := svc.Issue(ctx, "user-2", "tenant-1", "sess-9")
	require.NoError(t, err)

	_, err = svc.Rotate(ctx, first.Secret)
	require.NoError(t, err)

	// Replay in one family is evidence the user's credentials leaked;
	// every family they hold is burned.
	_, err = svc.Rotate(ctx, first.Secret)
	require.ErrorIs(t, err, ErrReuseDetected)

	_, err = svc.Rotate(ctx, second.Secret)
	require.ErrorIs(t, err, ErrReuseDetected)

	// Other users keep their tokens.
	_, err = svc.Rotate(ctx, other.Secret)
	require.NoError(t, err)
}

func TestForgedParentBreaksChain(t *testing.T) {
	svc, _ := newTestRefresh(t, fullPolicy())
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", "tenant-1", "sess-1")
	require.NoError(t, err)

	// A record claiming a parent the family never issued.
	secret, err := token.NewRefreshSecret()
	require.NoError(t, err)
	now := time.Now().UTC()
	forged := &Token{
		ID:        uuid.NewString(),
		UserID:    "user-1",
		TenantID:  "tenant-1",
		SessionID: "sess-1",
		FamilyID:  issued.FamilyID,
		ParentID:  uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, svc.families.Append(ctx, issued.FamilyID, forged.ID))
	require.NoError(t, svc.store.Save(ctx, secret, forged))

	_, err = svc.Rotate(ctx, secret)
	require.ErrorIs(t, err, ErrReuseDetected)
}

func TestReuseWithoutFamilyRevocation(t *testing.T) {
	svc, _ := newTestRefresh(t, Policy{Enabled: true, ReuseDetection: true, RevokeFamily: false})
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", "tenant-1", "sess-1")
	require.NoError(t, err)

	rotated, err := svc.Rotate(ctx, issued.Secret)
	require.NoError(t, err)

	_, err = svc.Rotate(ctx, issued.Secret)
	require.ErrorIs(t, err, ErrReuseDetected)

	// Family survives: the successor still rotates.
	_, err = svc.Rotate(ctx, rotated.Secret)
	require.NoError(t, err)
}

func TestRotationDisabledKeepsSecret(t *testing.T) {
	svc, _ := newTestRefresh(t, Policy{Enabled: false, ReuseDetection: true, RevokeFamily: true})
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", "tenant-1", "sess-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		same, err := svc.Rotate(ctx, issued.Secret)
		require.NoError(t, err)
		require.Equal(t, issued.Secret, same.Secret)
	}
}

func TestConcurrentRotationSingleWinner(t *testing.T) {
	svc, _ := newTestRefresh(t, Policy{Enabled: true, ReuseDetection: false, RevokeFamily: false})
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", "tenant-1", "sess-1")
	require.NoError(t, err)

	const racers = 20
	var wg sync.WaitGroup
	results := make([]error, racers)
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Rotate(ctx, issued.Secret)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			require.ErrorIs(t, err, ErrReuseDetected)
		}
	}
	require.Equal(t, 1, winners)
}

func TestExpiredTokenRejectedAndDeleted(t *testing.T) {
	svc, _ := newTestRefresh(t, fullPolicy())
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", "tenant-1", "sess-1")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	_, err = svc.Rotate(ctx, issued.Secret)
	require.ErrorIs(t, err, ErrTokenExpired)

	// The record is gone; a second attempt sees an unknown token.
	_, err = svc.Rotate(ctx, issued.Secret)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRevokeFamilyForToken(t *testing.T) {
	svc, _ := newTestRefresh(t, fullPolicy())
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", "tenant-1", "sess-1")
	require.NoError(t, err)

	require.NoError(t, svc.RevokeFamilyForToken(ctx, issued.Secret, "logout"))

	_, err = svc.Rotate(ctx, issued.Secret)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRevokeAllForUser(t *testing.T) {
	svc, _ := newTestRefresh(t, fullPolicy())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Issue(ctx, "user-1", "tenant-1", "sess-1")
		require.NoError(t, err)
	}
	other, err := svc.Issue(ctx, "user-2", "tenant-1", "sess-9")
	require.NoError(t, err)

	deleted, err := svc.RevokeAllForUser(ctx, "user-1", "password_change")
	require.NoError(t, err)
	require.Equal(t, 3, deleted)

	count, err := svc.ActiveTokenCount(ctx, "user-1")
	require.NoError(t, err)
	require.Zero(t, count)

	// Unrelated users are untouched.
	_, err = svc.Rotate(ctx, other.Secret)
	require.NoError(t, err)
}

func TestCheckPatternFlagsFamilyFlood(t *testing.T) {
	svc, _ := newTestRefresh(t, fullPolicy())
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		_, err := svc.Issue(ctx, "user-1", "tenant-1", "sess-1")
		require.NoError(t, err)
	}

	suspicious, reasons, err := svc.CheckPattern(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, suspicious)
	require.Contains(t, reasons, PatternTooManyFamilies)
	require.Contains(t, reasons, PatternRapidCreation)
}

func TestCleanupFamilies(t *testing.T) {
	svc, _ := newTestRefresh(t, fullPolicy())
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", "tenant-1", "sess-1")
	require.NoError(t, err)
	keep, err := svc.Issue(ctx, "user-1", "tenant-1", "sess-2")
	require.NoError(t, err)

	require.NoError(t, svc.RevokeFamilyForToken(ctx, issued.Secret, "logout"))

	removed, err := svc.CleanupFamilies(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	// The surviving family still rotates.
	_, err = svc.Rotate(ctx, keep.Secret)
	require.NoError(t, err)
}
