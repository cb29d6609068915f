// ABOUTME: Key-value store contract for session mappings and the assistant identifier
// ABOUTME: Implemented by Redis for production and by an in-process TTL cache

package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("key not found")

// NoExpiry is reported by TTL for keys stored without a time-to-live.
const NoExpiry time.Duration = -1

// Store is a string key-value store with per-key expiry.
// A ttl of zero stores the key without expiry.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Touch resets the expiry of every existing key to ttl.
	Touch(ctx context.Context, ttl time.Duration, keys ...string) error
	// Expire sets the expiry of one key and reports whether it existed.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Delete(ctx context.Context, keys ...string) error
	// Keys returns every key matching a glob pattern such as "relay:session:*".
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Keyspace builds the namespaced keys the relay stores.
type Keyspace struct {
	Prefix string
}

// Session returns the key holding the session id for a channel.
func (k Keyspace) Session(channel string) string {
	return k.Prefix + "session:" + channel
}

// SessionMeta returns the key holding session metadata for a channel.
func (k Keyspace) SessionMeta(channel string) string {
	return k.Prefix + "session_meta:" + channel
}

// SessionPattern matches every session mapping key.
func (k Keyspace) SessionPattern() string {
	return k.Prefix + "session:*"
}

// ChannelFromSessionKey strips the namespace from a session key.
// It reports false for keys that are not session mappings.
func (k Keyspace) ChannelFromSessionKey(key string) (string, bool) {
	p := k.Prefix + "session:"
	if len(key) <= len(p) || key[:len(p)] != p {
		return "", false
	}
	return key[len(p):], true
}

// Assistant returns the key of the singleton assistant identifier.
func (k Keyspace) Assistant() string {
	return k.Prefix + "assistantId"
}
