// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	outcomes map[string]*Outcome // keyed by outcome ID
	closed   bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		outcomes: make(map[string]*Outcome),
	}
}

// RecordOutcome stores an outcome, filling in ID and CreatedAt when empty.
func (m *MockStore) RecordOutcome(ctx context.Context, o *Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}

	// Make a copy to avoid external modification
	cp := *o
	cp.Tools = append([]string(nil), o.Tools...)
	m.outcomes[cp.ID] = &cp
	return nil
}

// GetOutcome retrieves an outcome by ID.
func (m *MockStore) GetOutcome(ctx context.Context, id string) (*Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.outcomes[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *o
	return &result, nil
}

// ListOutcomes returns outcomes matching filter, newest first.
func (m *MockStore) ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]*Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.matchLocked(filter)
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// OutcomeStats aggregates outcomes matching filter.
func (m *MockStore) OutcomeStats(ctx context.Context, filter OutcomeFilter) (*OutcomeStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &OutcomeStats{ByReason: make(map[string]int64)}
	var totalMillis int64
	for _, o := range m.matchLocked(filter) {
		stats.Total++
		switch o.Status {
		case StatusCompleted:
			stats.Completed++
		case StatusError:
			stats.Errored++
		case StatusRejected:
			stats.Rejected++
		}
		stats.PromptTokens += o.PromptTokens
		stats.CompletionTokens += o.CompletionTokens
		totalMillis += o.Duration.Milliseconds()
		if o.Reason != "" {
			stats.ByReason[o.Reason]++
		}
	}
	if stats.Total > 0 {
		avg := float64(totalMillis) / float64(stats.Total)
		stats.AvgDuration = time.Duration(avg * float64(time.Millisecond))
	}
	return stats, nil
}

func (m *MockStore) matchLocked(filter OutcomeFilter) []*Outcome {
	var out []*Outcome
	for _, o := range m.outcomes {
		if filter.Channel != "" && o.Channel != filter.Channel {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.Since != nil && o.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	return out
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored outcomes.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.outcomes)
}

// Verify interface compliance
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
