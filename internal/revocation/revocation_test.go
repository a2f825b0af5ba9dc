package revocation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	skafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caasio/auth-core/internal/storage"
	"github.com/caasio/auth-core/internal/telemetry"
)

type capturingWriter struct {
	mu     sync.Mutex
	msgs   []skafka.Message
	err    error
	closed bool
}

func (w *capturingWriter) WriteMessages(_ context.Context, msgs ...skafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *capturingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func newTestService(t *testing.T) (*Service, *storage.MemoryKV, *capturingWriter) {
	t.Helper()
	kv := storage.NewMemoryKV()
	writer := &capturingWriter{}
	svc := NewService(
		NewStore(kv, 0),
		NewKafkaPublisherWithWriter(writer),
		telemetry.NewMetrics(),
		zap.NewNop(),
	)
	return svc, kv, writer
}

func TestRevokeTokenAndCheck(t *testing.T) {
	svc, _, writer := newTestService(t)
	ctx := context.Background()

	expires := time.Now().Add(10 * time.Minute)
	require.NoError(t, svc.RevokeToken(ctx, "jti-1", "user-1", "tenant-1", expires, ""))

	revoked, reason, err := svc.IsRevoked(ctx, "jti-1", "user-1", "sess-1", "tenant-1", time.Now())
	require.NoError(t, err)
	require.True(t, revoked)
	require.Equal(t, ReasonTokenRevoked, reason)

	// Other tokens of the same user are unaffected.
	revoked, _, err = svc.IsRevoked(ctx, "jti-2", "user-1", "sess-1", "tenant-1", time.Now())
	require.NoError(t, err)
	require.False(t, revoked)

	writer.mu.Lock()
	defer writer.mu.Unlock()
	require.Len(t, writer.msgs, 1)
	require.Equal(t, "jti-1", string(writer.msgs[0].Key))
}

func TestRevokeUserTokensInvalidatesOnlyEarlierTokens(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Minute)
	count := 3
	require.NoError(t, svc.RevokeUserTokens(ctx, "user-1", "tenant-1", "", &count))

	revoked, reason, err := svc.IsRevoked(ctx, "jti-old", "user-1", "sess-1", "tenant-1", before)
	require.NoError(t, err)
	require.True(t, revoked)
	require.Equal(t, ReasonUserRevoked, reason)

	// A token issued after the revocation is valid again.
	after := time.Now().Add(time.Minute)
	revoked, _, err = svc.IsRevoked(ctx, "jti-new", "user-1", "sess-1", "tenant-1", after)
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestRevokeSessionTokens(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.RevokeSessionTokens(ctx, "sess-1", "user-1", "tenant-1", "", time.Hour))

	revoked, reason, err := svc.IsRevoked(ctx, "jti-1", "user-1", "sess-1", "tenant-1", time.Now())
	require.NoError(t, err)
	require.True(t, revoked)
	require.Equal(t, ReasonSessionRevoked, reason)

	// Sibling sessions of the same user keep working.
	revoked, _, err = svc.IsRevoked(ctx, "jti-2", "user-1", "sess-2", "tenant-1", time.Now())
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestRevokeTenantTokens(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	require.NoError(t, svc.RevokeTenantTokens(ctx, "tenant-1", "incident"))

	revoked, reason, err := svc.IsRevoked(ctx, "jti-1", "user-1", "sess-1", "tenant-1", before)
	require.NoError(t, err)
	require.True(t, revoked)
	require.Equal(t, ReasonTenantRevoked, reason)

	revoked, _, err = svc.IsRevoked(ctx, "jti-1", "user-1", "sess-1", "tenant-2", before)
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestIsRevokedChecksTokenFirst(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	issued := time.Now().Add(-time.Minute)
	require.NoError(t, svc.RevokeTenantTokens(ctx, "tenant-1", ""))
	require.NoError(t, svc.RevokeToken(ctx, "jti-1", "user-1", "tenant-1", time.Now().Add(time.Hour), "custom_reason"))

	_, reason, err := svc.IsRevoked(ctx, "jti-1", "user-1", "sess-1", "tenant-1", issued)
	require.NoError(t, err)
	require.Equal(t, "custom_reason", reason)
}

func TestClearRevocation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	issued := time.Now().Add(-time.Minute)
	require.NoError(t, svc.RevokeUserTokens(ctx, "user-1", "tenant-1", "", nil))
	require.NoError(t, svc.RevokeSessionTokens(ctx, "sess-1", "user-1", "tenant-1", "", time.Hour))

	require.NoError(t, svc.ClearUserRevocation(ctx, "user-1"))
	require.NoError(t, svc.ClearSessionRevocation(ctx, "sess-1"))

	revoked, _, err := svc.IsRevoked(ctx, "jti-1", "user-1", "sess-1", "tenant-1", issued)
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestPublishFailureDoesNotFailRevocation(t *testing.T) {
	svc, _, writer := newTestService(t)
	writer.err = errors.New("broker down")
	ctx := context.Background()

	require.NoError(t, svc.RevokeToken(ctx, "jti-1", "user-1", "tenant-1", time.Now().Add(time.Hour), ""))

	revoked, _, err := svc.IsRevoked(ctx, "jti-1", "", "", "", time.Now())
	require.NoError(t, err)
	require.True(t, revoked)
}

func TestRevokedExpiredTokenGetsGraceTTL(t *testing.T) {
	svc, kv, _ := newTestService(t)
	ctx := context.Background()

	// Expiry in the past still records a short-lived fact.
	require.NoError(t, svc.RevokeToken(ctx, "jti-1", "user-1", "tenant-1", time.Now().Add(-time.Hour), ""))

	ttl, hasTTL, exists, err := kv.TTL(ctx, "revoked:jti-1")
	require.NoError(t, err)
	require.True(t, exists)
	require.True(t, hasTTL)
	require.LessOrEqual(t, ttl, time.Minute)
}

func TestStatsAndCleanup(t *testing.T) {
	svc, kv, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.RevokeToken(ctx, "jti-1", "user-1", "tenant-1", time.Now().Add(time.Hour), ""))
	require.NoError(t, svc.RevokeUserTokens(ctx, "user-1", "tenant-1", "", nil))

	// Simulate a partial write that lost its expiry.
	require.NoError(t, kv.Set(ctx, "revoked:orphan", "x", 0))

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.RevokedTokens)
	require.Equal(t, 1, stats.RevokedUsers)
	require.Equal(t, 1, stats.KeysWithoutTTL)

	removed, err := svc.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	// Second run finds nothing.
	removed, err = svc.Cleanup(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)

	revoked, _, err := svc.IsRevoked(ctx, "jti-1", "", "", "", time.Now())
	require.NoError(t, err)
	require.True(t, revoked)
}
