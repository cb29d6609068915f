// ABOUTME: Thread-safe in-process Store with per-key TTL and expiry-only eviction
// ABOUTME: Used when no Redis URL is configured and as the test double for session code

package cache

import (
	"container/list"
	"context"
	"path"
	"strings"
	"sync"
	"time"
)

// memoryEntry stores a value, its deadline and its list element.
type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
	element   *list.Element
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is an in-process Store. Keys are kept in write order. A live key is
// never evicted: maxSize only triggers an early sweep of expired keys, and
// the store grows past it when every key is still live.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	order   *list.List // keys, least recently written at front
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewMemory creates an in-process store that sweeps expired keys whenever
// it holds maxSize keys. Zero means no size-triggered sweep. A background
// goroutine also removes expired entries every minute.
func NewMemory(maxSize int) *Memory {
	m := &Memory{
		entries: make(map[string]*memoryEntry),
		order:   list.New(),
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// getLocked returns a live entry, dropping it if it has expired. Must be called with mu held.
func (m *Memory) getLocked(key string) (*memoryEntry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if entry.expired(m.now()) {
		m.removeLocked(key, entry)
		return nil, false
	}
	return entry, true
}

func (m *Memory) removeLocked(key string, entry *memoryEntry) {
	m.order.Remove(entry.element)
	delete(m.entries, key)
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// Get returns the value for key or ErrNotFound.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.getLocked(key)
	if !ok {
		return "", ErrNotFound
	}
	return entry.value, nil
}

// Set stores value under key. If the store is at capacity, expired entries are swept first.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, exists := m.entries[key]; exists {
		entry.value = value
		entry.expiresAt = m.deadline(ttl)
		m.order.MoveToBack(entry.element)
		return nil
	}

	if m.maxSize > 0 && len(m.entries) >= m.maxSize {
		m.sweepLocked()
	}

	m.entries[key] = &memoryEntry{
		value:     value,
		expiresAt: m.deadline(ttl),
		element:   m.order.PushBack(key),
	}
	return nil
}

// Touch resets the expiry of every live key in keys.
func (m *Memory) Touch(_ context.Context, ttl time.Duration, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		if entry, ok := m.getLocked(key); ok {
			entry.expiresAt = m.deadline(ttl)
		}
	}
	return nil
}

// Expire sets the expiry of key and reports whether it existed.
func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.getLocked(key)
	if !ok {
		return false, nil
	}
	if ttl <= 0 {
		m.removeLocked(key, entry)
		return true, nil
	}
	entry.expiresAt = m.deadline(ttl)
	return true, nil
}

// TTL returns the remaining lifetime of key, or NoExpiry.
func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.getLocked(key)
	if !ok {
		return 0, ErrNotFound
	}
	if entry.expiresAt.IsZero() {
		return NoExpiry, nil
	}
	return entry.expiresAt.Sub(m.now()), nil
}

// Delete removes keys. Missing keys are ignored.
func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		if entry, ok := m.entries[key]; ok {
			m.removeLocked(key, entry)
		}
	}
	return nil
}

// Keys returns the live keys matching pattern. A pattern whose only
// metacharacter is a trailing '*' matches by prefix, so '*' spans '/' the way
// Redis SCAN MATCH does; any other pattern uses path.Match syntax.
func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	match := func(key string) (bool, error) { return path.Match(pattern, key) }
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok && !strings.ContainsAny(prefix, `*?[\`) {
		match = func(key string) (bool, error) { return strings.HasPrefix(key, prefix), nil }
	}

	var keys []string
	for e := m.order.Front(); e != nil; {
		next := e.Next()
		key, _ := e.Value.(string)
		if _, ok := m.getLocked(key); ok {
			matched, err := match(key)
			if err != nil {
				return nil, err
			}
			if matched {
				keys = append(keys, key)
			}
		}
		e = next
	}
	return keys, nil
}

// Ping always succeeds for the in-process store.
func (m *Memory) Ping(context.Context) error {
	return nil
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (m *Memory) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup()
		case <-m.done:
			return
		}
	}
}

func (m *Memory) runCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
}

// sweepLocked removes every expired entry. Must be called with mu held.
func (m *Memory) sweepLocked() {
	now := m.now()
	for key, entry := range m.entries {
		if entry.expired(now) {
			m.removeLocked(key, entry)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		close(m.done)
		m.closed = true
	}
	return nil
}
