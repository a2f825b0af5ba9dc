package storage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caasio/auth-core/internal/storage"
)

func TestMemoryKVSetGetDelete(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()

	require.NoError(t, kv.Set(ctx, "a", "1", time.Minute))
	val, ok, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", val)

	n, err := kv.Del(ctx, "a", "missing")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, ok, err = kv.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryKVExpiry(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	now := time.Now()
	kv.SetClock(func() time.Time { return now })

	require.NoError(t, kv.Set(ctx, "a", "1", time.Minute))

	ttl, hasTTL, exists, err := kv.TTL(ctx, "a")
	require.NoError(t, err)
	require.True(t, exists)
	require.True(t, hasTTL)
	require.Equal(t, time.Minute, ttl)

	now = now.Add(2 * time.Minute)
	_, ok, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryKVNoTTL(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()

	require.NoError(t, kv.Set(ctx, "a", "1", 0))
	_, hasTTL, exists, err := kv.TTL(ctx, "a")
	require.NoError(t, err)
	require.True(t, exists)
	require.False(t, hasTTL)
}

func TestMemoryKVSetNX(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()

	ok, err := kv.SetNX(ctx, "a", "1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = kv.SetNX(ctx, "a", "2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	val, _, _ := kv.Get(ctx, "a")
	require.Equal(t, "1", val)
}

func TestMemoryKVUpdateMissing(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()

	err := kv.Update(ctx, "missing", func(string) (string, error) { return "x", nil })
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemoryKVUpdateAbortsOnError(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	require.NoError(t, kv.Set(ctx, "a", "1", 0))

	boom := errors.New("boom")
	err := kv.Update(ctx, "a", func(string) (string, error) { return "", boom })
	require.ErrorIs(t, err, boom)

	val, _, _ := kv.Get(ctx, "a")
	require.Equal(t, "1", val)
}

func TestMemoryKVUpdateSerializes(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	require.NoError(t, kv.Set(ctx, "counter", "0", 0))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = kv.Update(ctx, "counter", func(current string) (string, error) {
				return current + "x", nil
			})
		}()
	}
	wg.Wait()

	val, _, _ := kv.Get(ctx, "counter")
	require.Len(t, val, 51)
}

func TestMemoryKVSets(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()

	require.NoError(t, kv.SetAdd(ctx, "s", "a", "b"))
	require.NoError(t, kv.SetAdd(ctx, "s", "b", "c"))

	card, err := kv.SetCard(ctx, "s")
	require.NoError(t, err)
	require.EqualValues(t, 3, card)

	require.NoError(t, kv.SetRemove(ctx, "s", "a"))
	members, err := kv.SetMembers(ctx, "s")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"b", "c"}, members)
}

func TestMemoryKVScanPrefix(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()

	require.NoError(t, kv.Set(ctx, "session:1", "a", 0))
	require.NoError(t, kv.Set(ctx, "session:2", "b", 0))
	require.NoError(t, kv.Set(ctx, "rt:1", "c", 0))

	keys, err := kv.ScanPrefix(ctx, "session:")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"session:1", "session:2"}, keys)
}
