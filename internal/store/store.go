// ABOUTME: Outcome ledger types and the Store interface
// ABOUTME: One Outcome row is written per processed work item

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested outcome does not exist.
var ErrNotFound = errors.New("not found")

// Outcome status values.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusRejected  = "rejected" // failed validation, no frames were sent
)

// Outcome records how one work item ended.
type Outcome struct {
	ID               string
	Channel          string
	MessageID        string
	ThreadID         string
	Status           string
	Reason           string
	Frames           int
	Tools            []string
	PromptTokens     int64
	CompletionTokens int64
	Duration         time.Duration
	CreatedAt        time.Time
}

// OutcomeFilter narrows ListOutcomes and OutcomeStats. Zero fields match everything.
type OutcomeFilter struct {
	Channel string
	Status  string
	Since   *time.Time
	Limit   int
}

// OutcomeStats aggregates outcomes.
type OutcomeStats struct {
	Total            int64
	Completed        int64
	Errored          int64
	Rejected         int64
	PromptTokens     int64
	CompletionTokens int64
	AvgDuration      time.Duration
	ByReason         map[string]int64
}

// Store persists work item outcomes.
type Store interface {
	RecordOutcome(ctx context.Context, o *Outcome) error
	GetOutcome(ctx context.Context, id string) (*Outcome, error)
	// ListOutcomes returns outcomes newest first.
	ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]*Outcome, error)
	OutcomeStats(ctx context.Context, filter OutcomeFilter) (*OutcomeStats, error)
	Close() error
}
