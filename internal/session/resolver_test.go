// ABOUTME: Tests for channel to session resolution
// ABOUTME: Covers creation, reuse, retention expiry, dependency failures and admin operations

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chat-relay/internal/cache"
	"github.com/2389/chat-relay/internal/provider"
)

var testKeys = cache.Keyspace{Prefix: "test:"}

func newMemoryResolver(t *testing.T) (*Resolver, *cache.Memory, *provider.Fake) {
	t.Helper()
	store := cache.NewMemory(1000)
	t.Cleanup(func() { _ = store.Close() })
	fake := provider.NewFake()
	return NewResolver(store, testKeys, fake, 90*24*time.Hour, nil), store, fake
}

func newRedisResolver(t *testing.T, retention time.Duration) (*Resolver, *miniredis.Miniredis, *provider.Fake) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := cache.NewRedis("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	fake := provider.NewFake()
	return NewResolver(store, testKeys, fake, retention, nil), mr, fake
}

func TestResolve_CreatesSessionOnFirstMessage(t *testing.T) {
	r, store, fake := newMemoryResolver(t)

	sess, err := r.Resolve(t.Context(), "c1")
	require.NoError(t, err)

	assert.True(t, sess.Created)
	assert.Equal(t, "c1", sess.Channel)
	assert.Equal(t, 0, sess.MessageCount)
	assert.True(t, sess.CreatedAt.Equal(sess.LastMessageAt))
	assert.Equal(t, []string{sess.ID}, fake.Sessions())

	id, err := store.Get(t.Context(), testKeys.Session("c1"))
	require.NoError(t, err)
	assert.Equal(t, sess.ID, id)

	ttl, err := store.TTL(t.Context(), testKeys.SessionMeta("c1"))
	require.NoError(t, err)
	assert.InDelta(t, float64(90*24*time.Hour), float64(ttl), float64(time.Second))
}

func TestResolve_ReusesSessionAndCounts(t *testing.T) {
	r, _, fake := newMemoryResolver(t)
	ctx := t.Context()

	first, err := r.Resolve(ctx, "c1")
	require.NoError(t, err)

	later := first.CreatedAt.Add(time.Hour)
	r.now = func() time.Time { return later }

	second, err := r.Resolve(ctx, "c1")
	require.NoError(t, err)
	third, err := r.Resolve(ctx, "c1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ID, third.ID)
	assert.False(t, second.Created)
	assert.Equal(t, 1, second.MessageCount)
	assert.Equal(t, 2, third.MessageCount)
	assert.True(t, first.CreatedAt.Equal(third.CreatedAt))
	assert.True(t, third.LastMessageAt.Equal(later.UTC()))
	assert.Len(t, fake.Sessions(), 1)
}

func TestResolve_ChannelsAreIndependent(t *testing.T) {
	r, _, _ := newMemoryResolver(t)

	a, err := r.Resolve(t.Context(), "a")
	require.NoError(t, err)
	b, err := r.Resolve(t.Context(), "b")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
}

func TestResolve_NewSessionAfterRetention(t *testing.T) {
	r, mr, _ := newRedisResolver(t, time.Hour)
	ctx := t.Context()

	first, err := r.Resolve(ctx, "c1")
	require.NoError(t, err)

	// Access within the window slides the expiry forward.
	mr.FastForward(50 * time.Minute)
	again, err := r.Resolve(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	mr.FastForward(50 * time.Minute)
	stillThere, err := r.Resolve(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, stillThere.ID)

	mr.FastForward(61 * time.Minute)
	fresh, err := r.Resolve(ctx, "c1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID)
	assert.True(t, fresh.Created)
	assert.Equal(t, 0, fresh.MessageCount)
}

func TestResolve_RebuildsMissingMetadata(t *testing.T) {
	r, store, _ := newMemoryResolver(t)
	ctx := t.Context()

	require.NoError(t, store.Set(ctx, testKeys.Session("c1"), "thread_legacy", time.Hour))

	sess, err := r.Resolve(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "thread_legacy", sess.ID)
	assert.Equal(t, 1, sess.MessageCount)

	_, err = store.Get(ctx, testKeys.SessionMeta("c1"))
	assert.NoError(t, err)
}

func TestResolve_CorruptMetadataIsRebuilt(t *testing.T) {
	r, store, _ := newMemoryResolver(t)
	ctx := t.Context()

	require.NoError(t, store.Set(ctx, testKeys.Session("c1"), "thread_x", time.Hour))
	require.NoError(t, store.Set(ctx, testKeys.SessionMeta("c1"), "{not json", time.Hour))

	sess, err := r.Resolve(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "thread_x", sess.ID)
}

func TestResolve_ProviderUnavailable(t *testing.T) {
	r, store, fake := newMemoryResolver(t)
	fake.CreateSessionErr = errors.New("connection refused")

	_, err := r.Resolve(t.Context(), "c1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDependencyUnavailable)

	_, getErr := store.Get(t.Context(), testKeys.Session("c1"))
	assert.ErrorIs(t, getErr, cache.ErrNotFound, "failed creation must not write a mapping")
}

func TestResolve_CacheUnavailable(t *testing.T) {
	r, mr, fake := newRedisResolver(t, time.Hour)
	mr.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	_, err := r.Resolve(ctx, "c1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDependencyUnavailable)
	assert.Empty(t, fake.Sessions(), "no provider call without a cache")
}

func TestResolve_ConcurrentSameChannel(t *testing.T) {
	r, store, fake := newMemoryResolver(t)
	ctx := t.Context()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(ctx, "busy")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	id, err := store.Get(ctx, testKeys.Session("busy"))
	require.NoError(t, err)
	assert.Contains(t, fake.Sessions(), id)

	sess, err := r.Resolve(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, id, sess.ID, "after the race settles the channel is stable")
}

func TestAdmin_ListGetExpireDeletePurge(t *testing.T) {
	r, mr, _ := newRedisResolver(t, time.Hour)
	ctx := t.Context()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, ch := range []string{"old", "mid", "new"} {
		r.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		_, err := r.Resolve(ctx, ch)
		require.NoError(t, err)
	}

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "new", list[0].Channel)
	assert.Equal(t, "old", list[2].Channel)
	assert.Equal(t, time.Hour, list[0].ExpiresIn)

	got, err := r.Get(ctx, "mid")
	require.NoError(t, err)
	assert.Equal(t, "mid", got.Channel)

	_, err = r.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := r.Expire(ctx, "mid", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	mr.FastForward(2 * time.Minute)
	_, err = r.Get(ctx, "mid")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err = r.Expire(ctx, "nope", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Delete(ctx, "old"))
	list, err = r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	n, err := r.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	list, err = r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.False(t, mr.Exists(testKeys.SessionMeta("new")))
}

func TestResolve_SmallMemoryStoreKeepsLiveSessions(t *testing.T) {
	store := cache.NewMemory(4)
	t.Cleanup(func() { _ = store.Close() })
	r := NewResolver(store, testKeys, provider.NewFake(), time.Hour, nil)
	ctx := t.Context()

	first, err := r.Resolve(ctx, "c1")
	require.NoError(t, err)
	for _, ch := range []string{"c2", "c3"} {
		_, err := r.Resolve(ctx, ch)
		require.NoError(t, err)
	}

	again, err := r.Resolve(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, first.ID, again.ID, "a live session survives a full store")
	assert.Equal(t, 1, again.MessageCount)
}

func TestAdmin_ChannelsContainingSlash(t *testing.T) {
	r, _, _ := newMemoryResolver(t)
	ctx := t.Context()

	for _, ch := range []string{"team/room-1", "room-2"} {
		_, err := r.Resolve(ctx, ch)
		require.NoError(t, err)
	}

	list, err := r.List(ctx)
	require.NoError(t, err)
	channels := make([]string, 0, len(list))
	for _, s := range list {
		channels = append(channels, s.Channel)
	}
	assert.ElementsMatch(t, []string{"team/room-1", "room-2"}, channels)

	n, err := r.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = r.Get(ctx, "team/room-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
