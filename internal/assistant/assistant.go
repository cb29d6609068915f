// ABOUTME: Get-or-create management of the singleton assistant identifier
// ABOUTME: The id is cached without expiry and verified against the provider before use

package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/chat-relay/internal/cache"
	"github.com/2389/chat-relay/internal/provider"
	"github.com/2389/chat-relay/internal/session"
)

// ErrNoAssistant is returned when no assistant id has been cached yet.
var ErrNoAssistant = errors.New("no assistant configured")

// Manager owns the assistant identifier.
type Manager struct {
	store        cache.Store
	keys         cache.Keyspace
	api          provider.AssistantAPI
	spec         provider.AssistantSpec
	configuredID string
	logger       *slog.Logger

	mu      sync.Mutex
	current string
}

// New creates a Manager. configuredID, when set, is preferred over the cached id.
func New(store cache.Store, keys cache.Keyspace, api provider.AssistantAPI, spec provider.AssistantSpec, configuredID string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:        store,
		keys:         keys,
		api:          api,
		spec:         spec,
		configuredID: configuredID,
		logger:       logger.With("component", "assistant"),
	}
}

// Ensure returns a verified assistant id. The first call checks the configured
// id, then the cached one, and creates a new assistant if neither is known to
// the provider. Later calls return the same id without network access.
func (m *Manager) Ensure(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != "" {
		return m.current, nil
	}

	cached, err := m.store.Get(ctx, m.keys.Assistant())
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return "", fmt.Errorf("%w: reading assistant id: %w", session.ErrDependencyUnavailable, err)
	}

	for _, candidate := range []string{m.configuredID, cached} {
		if candidate == "" {
			continue
		}
		ok, err := m.verify(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		if candidate != cached {
			if err := m.store.Set(ctx, m.keys.Assistant(), candidate, 0); err != nil {
				return "", fmt.Errorf("%w: caching assistant id: %w", session.ErrDependencyUnavailable, err)
			}
		}
		m.current = candidate
		m.logger.Info("using assistant", "assistant_id", candidate)
		return candidate, nil
	}

	id, err := m.createLocked(ctx)
	if err != nil {
		return "", err
	}
	return id, nil
}

// verify reports whether the provider still knows id.
func (m *Manager) verify(ctx context.Context, id string) (bool, error) {
	_, err := m.api.GetAssistant(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, provider.ErrNotFound):
		m.logger.Warn("assistant no longer exists at provider", "assistant_id", id)
		return false, nil
	default:
		return false, fmt.Errorf("%w: verifying assistant %s: %w", session.ErrDependencyUnavailable, id, err)
	}
}

func (m *Manager) createLocked(ctx context.Context) (string, error) {
	id, err := m.api.CreateAssistant(ctx, m.spec)
	if err != nil {
		return "", fmt.Errorf("%w: creating assistant: %w", session.ErrDependencyUnavailable, err)
	}
	if err := m.store.Set(ctx, m.keys.Assistant(), id, 0); err != nil {
		return "", fmt.Errorf("%w: caching assistant id: %w", session.ErrDependencyUnavailable, err)
	}
	m.current = id
	m.logger.Info("created assistant", "assistant_id", id, "name", m.spec.Name)
	return id, nil
}

// Create always creates a new assistant and makes it current.
func (m *Manager) Create(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(ctx)
}

// Current returns the cached id without contacting the provider.
func (m *Manager) Current(ctx context.Context) (string, error) {
	id, err := m.store.Get(ctx, m.keys.Assistant())
	if errors.Is(err, cache.ErrNotFound) {
		return "", ErrNoAssistant
	}
	return id, err
}

// Verify fetches the cached assistant from the provider.
func (m *Manager) Verify(ctx context.Context) (*provider.Assistant, error) {
	id, err := m.Current(ctx)
	if err != nil {
		return nil, err
	}
	return m.api.GetAssistant(ctx, id)
}

// Delete removes the cached assistant from the provider and the cache.
// It returns the id that was deleted.
func (m *Manager) Delete(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.Current(ctx)
	if err != nil {
		return "", err
	}
	if err := m.api.DeleteAssistant(ctx, id); err != nil && !errors.Is(err, provider.ErrNotFound) {
		return "", err
	}
	if err := m.store.Delete(ctx, m.keys.Assistant()); err != nil {
		return "", err
	}
	m.current = ""
	m.logger.Info("deleted assistant", "assistant_id", id)
	return id, nil
}
