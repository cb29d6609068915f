// ABOUTME: Resolves a channel to its provider session, creating one on first contact
// ABOUTME: Mapping and metadata live in the cache with a sliding retention window

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/chat-relay/internal/cache"
)

// ErrDependencyUnavailable is wrapped when the cache or the provider cannot be reached.
var ErrDependencyUnavailable = errors.New("dependency unavailable")

// ErrNotFound is returned by admin lookups for channels without a session.
var ErrNotFound = errors.New("session not found")

// Session is one ongoing conversation bound to a channel.
type Session struct {
	ID            string    `json:"session_id"`
	Channel       string    `json:"channel"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	MessageCount  int       `json:"message_count"`

	// Created is true when this resolution issued a new session.
	Created bool `json:"-"`
	// ExpiresIn is the remaining retention, filled in by admin lookups.
	ExpiresIn time.Duration `json:"-"`
}

// Creator issues new provider sessions.
type Creator interface {
	CreateSession(ctx context.Context) (string, error)
}

// Resolver maps channels to sessions.
type Resolver struct {
	store     cache.Store
	keys      cache.Keyspace
	creator   Creator
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewResolver creates a Resolver. retention is the inactivity window after
// which a channel gets a fresh session.
func NewResolver(store cache.Store, keys cache.Keyspace, creator Creator, retention time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:     store,
		keys:      keys,
		creator:   creator,
		retention: retention,
		now:       time.Now,
		logger:    logger.With("component", "session"),
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDependencyUnavailable, op, err)
}

// Resolve returns the session for channel. An existing session has its
// retention refreshed and its message count incremented; otherwise a new
// session is requested from the provider and cached with a count of zero.
//
// Concurrent first messages on a channel may each create a session; the last
// cache write wins and the other provider session is abandoned.
func (r *Resolver) Resolve(ctx context.Context, channel string) (*Session, error) {
	id, err := r.store.Get(ctx, r.keys.Session(channel))
	switch {
	case err == nil:
		return r.reuse(ctx, channel, id)
	case errors.Is(err, cache.ErrNotFound):
		return r.create(ctx, channel)
	default:
		return nil, unavailable("looking up session", err)
	}
}

func (r *Resolver) reuse(ctx context.Context, channel, id string) (*Session, error) {
	now := r.now().UTC()

	sess, err := r.readMeta(ctx, channel)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return nil, unavailable("reading session metadata", err)
	}
	if sess == nil || sess.ID != id {
		r.logger.Warn("rebuilding session metadata", "channel", channel, "session_id", id)
		sess = &Session{ID: id, Channel: channel, CreatedAt: now}
	}
	sess.MessageCount++
	sess.LastMessageAt = now

	if err := r.store.Touch(ctx, r.retention, r.keys.Session(channel)); err != nil {
		return nil, unavailable("refreshing session", err)
	}
	if err := r.writeMeta(ctx, sess); err != nil {
		return nil, unavailable("writing session metadata", err)
	}

	r.logger.Debug("reusing session", "channel", channel, "session_id", id, "message_count", sess.MessageCount)
	return sess, nil
}

func (r *Resolver) create(ctx context.Context, channel string) (*Session, error) {
	id, err := r.creator.CreateSession(ctx)
	if err != nil {
		return nil, unavailable("creating session", err)
	}

	now := r.now().UTC()
	sess := &Session{
		ID:            id,
		Channel:       channel,
		CreatedAt:     now,
		LastMessageAt: now,
		Created:       true,
	}

	if err := r.store.Set(ctx, r.keys.Session(channel), id, r.retention); err != nil {
		return nil, unavailable("storing session", err)
	}
	if err := r.writeMeta(ctx, sess); err != nil {
		return nil, unavailable("writing session metadata", err)
	}

	r.logger.Info("created session", "channel", channel, "session_id", id)
	return sess, nil
}

func (r *Resolver) readMeta(ctx context.Context, channel string) (*Session, error) {
	raw, err := r.store.Get(ctx, r.keys.SessionMeta(channel))
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		r.logger.Warn("discarding corrupt session metadata", "channel", channel, "error", err)
		return nil, nil
	}
	return &sess, nil
}

func (r *Resolver) writeMeta(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, r.keys.SessionMeta(sess.Channel), string(data), r.retention)
}

// Get returns the session for channel without touching it.
func (r *Resolver) Get(ctx context.Context, channel string) (*Session, error) {
	id, err := r.store.Get(ctx, r.keys.Session(channel))
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("looking up session", err)
	}

	sess, err := r.readMeta(ctx, channel)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return nil, unavailable("reading session metadata", err)
	}
	if sess == nil {
		sess = &Session{ID: id, Channel: channel}
	}
	sess.ID = id

	ttl, err := r.store.TTL(ctx, r.keys.Session(channel))
	if err == nil {
		sess.ExpiresIn = ttl
	}
	return sess, nil
}

// List returns every cached session, most recently active first.
func (r *Resolver) List(ctx context.Context) ([]*Session, error) {
	keys, err := r.store.Keys(ctx, r.keys.SessionPattern())
	if err != nil {
		return nil, unavailable("listing sessions", err)
	}

	sessions := make([]*Session, 0, len(keys))
	for _, key := range keys {
		channel, ok := r.keys.ChannelFromSessionKey(key)
		if !ok {
			continue
		}
		sess, err := r.Get(ctx, channel)
		if errors.Is(err, ErrNotFound) {
			continue // expired between scan and read
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastMessageAt.After(sessions[j].LastMessageAt)
	})
	return sessions, nil
}

// Expire shortens (or extends) the remaining retention of a channel's session.
// A ttl of zero or less removes it. Reports whether the session existed.
func (r *Resolver) Expire(ctx context.Context, channel string, ttl time.Duration) (bool, error) {
	ok, err := r.store.Expire(ctx, r.keys.Session(channel), ttl)
	if err != nil {
		return false, unavailable("expiring session", err)
	}
	if _, err := r.store.Expire(ctx, r.keys.SessionMeta(channel), ttl); err != nil {
		return false, unavailable("expiring session metadata", err)
	}
	return ok, nil
}

// Delete removes a channel's session so its next message starts fresh.
func (r *Resolver) Delete(ctx context.Context, channel string) error {
	if err := r.store.Delete(ctx, r.keys.Session(channel), r.keys.SessionMeta(channel)); err != nil {
		return unavailable("deleting session", err)
	}
	r.logger.Info("deleted session", "channel", channel)
	return nil
}

// Purge removes every cached session and returns how many were removed.
func (r *Resolver) Purge(ctx context.Context) (int, error) {
	keys, err := r.store.Keys(ctx, r.keys.SessionPattern())
	if err != nil {
		return 0, unavailable("listing sessions", err)
	}

	var doomed []string
	for _, key := range keys {
		channel, ok := r.keys.ChannelFromSessionKey(key)
		if !ok {
			continue
		}
		doomed = append(doomed, key, r.keys.SessionMeta(channel))
	}
	if err := r.store.Delete(ctx, doomed...); err != nil {
		return 0, unavailable("purging sessions", err)
	}

	r.logger.Info("purged sessions", "count", len(doomed)/2)
	return len(doomed) / 2, nil
}
