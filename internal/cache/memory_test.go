// ABOUTME: Tests for the in-process Store
// ABOUTME: Validates TTL expiry, refresh, capacity sweeps, pattern listing and concurrency safety

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemory(t *testing.T, maxSize int) (*Memory, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory(maxSize)
	m.now = clock.Now
	t.Cleanup(func() { _ = m.Close() })
	return m, clock
}

func TestMemory_GetSet(t *testing.T) {
	m, _ := newTestMemory(t, 100)
	ctx := t.Context()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set(ctx, "k", "v1", time.Hour))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	require.NoError(t, m.Set(ctx, "k", "v2", time.Hour))
	got, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestMemory_Expiry(t *testing.T) {
	m, clock := newTestMemory(t, 100)
	ctx := t.Context()

	require.NoError(t, m.Set(ctx, "k", "v", time.Minute))
	clock.Advance(59 * time.Second)
	_, err := m.Get(ctx, "k")
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_NoExpiry(t *testing.T) {
	m, clock := newTestMemory(t, 100)
	ctx := t.Context()

	require.NoError(t, m.Set(ctx, "forever", "v", 0))
	clock.Advance(365 * 24 * time.Hour)

	ttl, err := m.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, NoExpiry, ttl)
}

func TestMemory_TouchRefreshesExpiry(t *testing.T) {
	m, clock := newTestMemory(t, 100)
	ctx := t.Context()

	require.NoError(t, m.Set(ctx, "a", "1", time.Minute))
	require.NoError(t, m.Set(ctx, "b", "2", time.Minute))

	clock.Advance(50 * time.Second)
	require.NoError(t, m.Touch(ctx, time.Minute, "a", "b", "missing"))
	clock.Advance(50 * time.Second)

	for _, key := range []string{"a", "b"} {
		_, err := m.Get(ctx, key)
		assert.NoError(t, err, key)
	}
	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound, "touch must not create keys")
}

func TestMemory_ExpireAndTTL(t *testing.T) {
	m, _ := newTestMemory(t, 100)
	ctx := t.Context()

	ok, err := m.Expire(ctx, "missing", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", "v", time.Hour))
	ok, err = m.Expire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err := m.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	ok, err = m.Expire(ctx, "k", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = m.TTL(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_CapacitySweepsOnlyExpired(t *testing.T) {
	m, clock := newTestMemory(t, 3)
	ctx := t.Context()

	require.NoError(t, m.Set(ctx, "short", "v", time.Minute))
	require.NoError(t, m.Set(ctx, "k1", "v", time.Hour))
	require.NoError(t, m.Set(ctx, "forever", "v", 0))
	clock.Advance(2 * time.Minute)

	require.NoError(t, m.Set(ctx, "k2", "v", time.Hour))
	m.mu.Lock()
	_, stale := m.entries["short"]
	m.mu.Unlock()
	assert.False(t, stale, "expired key swept at capacity")

	// Every key is live now; the store grows instead of dropping one.
	require.NoError(t, m.Set(ctx, "k3", "v", time.Hour))
	for _, key := range []string{"k1", "forever", "k2", "k3"} {
		_, err := m.Get(ctx, key)
		assert.NoError(t, err, key)
	}
}

func TestMemory_KeysAndDelete(t *testing.T) {
	m, clock := newTestMemory(t, 100)
	ctx := t.Context()
	ks := Keyspace{Prefix: "t:"}

	require.NoError(t, m.Set(ctx, ks.Session("c1"), "s1", time.Hour))
	require.NoError(t, m.Set(ctx, ks.Session("c2"), "s2", time.Minute))
	require.NoError(t, m.Set(ctx, ks.SessionMeta("c1"), "{}", time.Hour))
	require.NoError(t, m.Set(ctx, ks.Assistant(), "asst_1", 0))

	keys, err := m.Keys(ctx, ks.SessionPattern())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t:session:c1", "t:session:c2"}, keys)

	clock.Advance(2 * time.Minute)
	keys, err = m.Keys(ctx, ks.SessionPattern())
	require.NoError(t, err)
	assert.Equal(t, []string{"t:session:c1"}, keys)

	require.NoError(t, m.Delete(ctx, ks.Session("c1"), ks.SessionMeta("c1"), "never-set"))
	keys, err = m.Keys(ctx, "t:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"t:assistantId"}, keys)
}

func TestMemory_KeysPrefixSpansSlash(t *testing.T) {
	m, _ := newTestMemory(t, 100)
	ctx := t.Context()
	ks := Keyspace{Prefix: "t:"}

	require.NoError(t, m.Set(ctx, ks.Session("team/room-1"), "s1", time.Hour))
	require.NoError(t, m.Set(ctx, ks.Session("room-2"), "s2", time.Hour))
	require.NoError(t, m.Set(ctx, ks.SessionMeta("team/room-1"), "{}", time.Hour))

	keys, err := m.Keys(ctx, ks.SessionPattern())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t:session:team/room-1", "t:session:room-2"}, keys)

	keys, err = m.Keys(ctx, "t:session:room-?")
	require.NoError(t, err)
	assert.Equal(t, []string{"t:session:room-2"}, keys)
}

func TestMemory_RunCleanup(t *testing.T) {
	m, clock := newTestMemory(t, 100)
	ctx := t.Context()

	require.NoError(t, m.Set(ctx, "short", "v", time.Second))
	require.NoError(t, m.Set(ctx, "long", "v", time.Hour))
	clock.Advance(time.Minute)

	m.runCleanup()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.entries, 1)
	assert.Equal(t, 1, m.order.Len())
}

func TestMemory_Concurrency(t *testing.T) {
	m := NewMemory(50)
	defer m.Close()
	ctx := t.Context()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := range 100 {
				key := fmt.Sprintf("k-%d-%d", n, j%10)
				_ = m.Set(ctx, key, "v", time.Minute)
				_, _ = m.Get(ctx, key)
				_ = m.Touch(ctx, time.Minute, key)
				_, _ = m.Keys(ctx, "k-*")
			}
		}(i)
	}
	wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.entries, 200, "live keys are never evicted")
	assert.Equal(t, len(m.entries), m.order.Len())
}

func TestMemory_CloseIdempotent(t *testing.T) {
	m := NewMemory(10)
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

func TestKeyspace(t *testing.T) {
	ks := Keyspace{Prefix: "relay:"}

	assert.Equal(t, "relay:session:abc", ks.Session("abc"))
	assert.Equal(t, "relay:session_meta:abc", ks.SessionMeta("abc"))
	assert.Equal(t, "relay:assistantId", ks.Assistant())

	ch, ok := ks.ChannelFromSessionKey("relay:session:abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", ch)

	_, ok = ks.ChannelFromSessionKey("relay:session_meta:abc")
	assert.False(t, ok)
	_, ok = ks.ChannelFromSessionKey("relay:session:")
	assert.False(t, ok)
}
