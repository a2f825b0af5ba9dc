package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caasio/auth-core/internal/storage"
	"github.com/caasio/auth-core/internal/telemetry"
)

func newTestStore(t *testing.T, cfg StoreConfig) (*Store, *storage.MemoryKV) {
	t.Helper()
	kv := storage.NewMemoryKV()
	store := NewStore(kv, cfg, telemetry.NewMetrics(), zap.NewNop())
	return store, kv
}

func defaultStoreConfig() StoreConfig {
	return StoreConfig{TTL: time.Hour, MaxPerUser: 5}
}

func TestCreateAndGet(t *testing.T) {
	store, _ := newTestStore(t, defaultStoreConfig())
	ctx := context.Background()

	sess, err := store.Create(ctx, NewSessionParams{
		UserID:   "user-1",
		TenantID: "tenant-1",
		IP:       "203.0.113.7",
		DeviceID: "device-a",
	})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "user-1", got.UserID)
	require.Equal(t, "203.0.113.7", got.IP)
}

func TestGetExpiredReadsAsMissing(t *testing.T) {
	store, _ := newTestStore(t, StoreConfig{TTL: time.Minute, MaxPerUser: 5})
	ctx := context.Background()

	sess, err := store.Create(ctx, NewSessionParams{UserID: "user-1", TenantID: "tenant-1"})
	require.NoError(t, err)

	store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = store.Get(ctx, sess.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMaxPerUserEvictsOldest(t *testing.T) {
	store, _ := newTestStore(t, StoreConfig{TTL: time.Hour, MaxPerUser: 2})
	ctx := context.Background()

	base := time.Now()
	mkSession := func(offset time.Duration) *Session {
		store.now = func() time.Time { return base.Add(offset) }
		sess, err := store.Create(ctx, NewSessionParams{UserID: "user-1", TenantID: "tenant-1"})
		require.NoError(t, err)
		return sess
	}

	first := mkSession(0)
	second := mkSession(time.Second)
	third := mkSession(2 * time.Second)

	_, err := store.Get(ctx, first.ID)
	require.ErrorIs(t, err, ErrNotFound)

	sessions, err := store.UserSessions(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, second.ID, sessions[0].ID)
	require.Equal(t, third.ID, sessions[1].ID)
}

func TestTerminateAllForUserSparesCurrent(t *testing.T) {
	store, _ := newTestStore(t, defaultStoreConfig())
	ctx := context.Background()

	var current *Session
	for i := 0; i < 3; i++ {
		sess, err := store.Create(ctx, NewSessionParams{UserID: "user-1", TenantID: "tenant-1"})
		require.NoError(t, err)
		current = sess
	}

	removed, err := store.TerminateAllForUser(ctx, "user-1", current.ID)
	require.NoError(t, err)
	require.Len(t, removed, 2)

	sessions, err := store.UserSessions(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, current.ID, sessions[0].ID)
}

func TestTouchUpdatesActivity(t *testing.T) {
	store, _ := newTestStore(t, defaultStoreConfig())
	ctx := context.Background()

	sess, err := store.Create(ctx, NewSessionParams{UserID: "user-1", TenantID: "tenant-1", IP: "203.0.113.7"})
	require.NoError(t, err)

	store.now = func() time.Time { return time.Now().Add(time.Minute) }
	touched, err := store.Touch(ctx, sess.ID, "198.51.100.9")
	require.NoError(t, err)
	require.Equal(t, "198.51.100.9", touched.IP)
	require.Greater(t, touched.LastSeenAt, sess.LastSeenAt)
}

func TestRenewalPolicy(t *testing.T) {
	store, _ := newTestStore(t, StoreConfig{TTL: 30 * time.Minute, MaxPerUser: 5})
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }
	sess, err := store.Create(ctx, NewSessionParams{UserID: "user-1", TenantID: "tenant-1"})
	require.NoError(t, err)

	renewer := NewRenewer(store, RenewalConfig{
		Enabled:     true,
		TTL:         30 * time.Minute,
		Cooldown:    time.Minute,
		MaxLifetime: 12 * time.Hour,
		Threshold:   15 * time.Minute,
	}, zap.NewNop())

	// Too early: plenty of validity remains.
	renewer.now = func() time.Time { return base.Add(time.Minute) }
	res, err := renewer.Renew(ctx, sess.ID, false)
	require.NoError(t, err)
	require.False(t, res.Renewed)
	require.Equal(t, RenewReasonNotNeeded, res.Reason)

	// Inside the threshold: renewal extends by the standard TTL.
	at := base.Add(20 * time.Minute)
	renewer.now = func() time.Time { return at }
	res, err = renewer.Renew(ctx, sess.ID, false)
	require.NoError(t, err)
	require.True(t, res.Renewed)
	require.Equal(t, at.Add(30*time.Minute).Unix(), res.ExpiresAt.Unix())
	require.Equal(t, 1, res.Session.RenewCount)

	// Cooldown blocks an immediate second renewal even inside the
	// threshold window.
	renewer.now = func() time.Time { return at.Add(10 * time.Second) }
	res, err = renewer.Renew(ctx, sess.ID, false)
	require.NoError(t, err)
	require.False(t, res.Renewed)
	require.Equal(t, RenewReasonCooldown, res.Reason)

	// Force bypasses cooldown and threshold.
	forceAt := at.Add(20 * time.Second)
	renewer.now = func() time.Time { return forceAt }
	res, err = renewer.Renew(ctx, sess.ID, true)
	require.NoError(t, err)
	require.True(t, res.Renewed)
	require.Equal(t, 2, res.Session.RenewCount)
}

func TestRenewalClampsToMaxLifetime(t *testing.T) {
	store, _ := newTestStore(t, StoreConfig{TTL: time.Hour, MaxPerUser: 5})
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }
	sess, err := store.Create(ctx, NewSessionParams{UserID: "user-1", TenantID: "tenant-1"})
	require.NoError(t, err)

	renewer := NewRenewer(store, RenewalConfig{
		Enabled:     true,
		TTL:         time.Hour,
		Cooldown:    time.Minute,
		MaxLifetime: 2 * time.Hour,
		Threshold:   2 * time.Hour,
	}, zap.NewNop())

	// First renewal, well under the cap, grants the full TTL and keeps
	// the session alive past its original expiry.
	at := base.Add(50 * time.Minute)
	store.now = func() time.Time { return at }
	renewer.now = func() time.Time { return at }
	res, err := renewer.Renew(ctx, sess.ID, false)
	require.NoError(t, err)
	require.True(t, res.Renewed)
	require.Equal(t, at.Add(time.Hour).Unix(), res.ExpiresAt.Unix())

	// 90 minutes in, only 30 minutes of headroom remain under the cap.
	at = base.Add(90 * time.Minute)
	store.now = func() time.Time { return at }
	renewer.now = func() time.Time { return at }
	res, err = renewer.Renew(ctx, sess.ID, false)
	require.NoError(t, err)
	require.True(t, res.Renewed)
	require.Equal(t, at.Add(30*time.Minute).Unix(), res.ExpiresAt.Unix())

	// At the cap with validity left, even force declines.
	at = base.Add(2 * time.Hour)
	renewer.now = func() time.Time { return at }
	store.now = func() time.Time { return at.Add(-time.Minute) }
	res, err = renewer.Renew(ctx, sess.ID, true)
	require.NoError(t, err)
	require.False(t, res.Renewed)
	require.Equal(t, RenewReasonMaxLifetime, res.Reason)
}

func TestRenewalDisabled(t *testing.T) {
	store, _ := newTestStore(t, StoreConfig{TTL: time.Hour, MaxPerUser: 5})
	ctx := context.Background()

	sess, err := store.Create(ctx, NewSessionParams{UserID: "user-1", TenantID: "tenant-1"})
	require.NoError(t, err)

	renewer := NewRenewer(store, RenewalConfig{
		TTL:         time.Hour,
		Cooldown:    time.Minute,
		MaxLifetime: 12 * time.Hour,
		Threshold:   2 * time.Hour,
	}, zap.NewNop())

	// Even force cannot extend when sliding expiry is off.
	res, err := renewer.Renew(ctx, sess.ID, true)
	require.NoError(t, err)
	require.False(t, res.Renewed)
	require.Equal(t, RenewReasonDisabled, res.Reason)
	require.Equal(t, sess.ExpiryTime().Unix(), res.ExpiresAt.Unix())
}

func TestCleanupSweepIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t, StoreConfig{TTL: time.Minute, MaxPerUser: 5})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Create(ctx, NewSessionParams{UserID: "user-1", TenantID: "tenant-1"})
		require.NoError(t, err)
	}

	cleaner := NewCleaner(store, telemetry.NewMetrics(), time.Minute, zap.NewNop())
	cleaner.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	removed, err := cleaner.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	removed, err = cleaner.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestNormalizeTimestamp(t *testing.T) {
	sec := int64(1_700_000_000)
	require.Equal(t, time.Unix(sec, 0), NormalizeTimestamp(sec))

	ms := sec * 1000
	require.Equal(t, time.UnixMilli(ms), NormalizeTimestamp(ms))

	require.True(t, NormalizeTimestamp(0).IsZero())
}

func TestMaskIP(t *testing.T) {
	require.Equal(t, "203.0.113.xxx", MaskIP("203.0.113.42"))
	require.Equal(t, "2001:db8::xxxx", MaskIP("2001:db8:85a3:8d3:1319:8a2e:370:7348"))
	require.Equal(t, "", MaskIP(""))
}

func TestViewMasksIP(t *testing.T) {
	sess := &Session{
		ID:         "sess-1",
		IP:         "203.0.113.42",
		CreatedAt:  time.Now().Unix(),
		LastSeenAt: time.Now().Unix(),
		ExpiresAt:  time.Now().Add(time.Hour).Unix(),
	}
	view := ViewOf(sess, "sess-1")
	require.Equal(t, "203.0.113.xxx", view.IP)
	require.True(t, view.Current)
}
