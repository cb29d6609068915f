// ABOUTME: Work item decoding and validation for messages consumed from the queue
// ABOUTME: A work item names the channel, the caller's message id and the user's text

package workitem

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrValidation is the sentinel wrapped by every ValidationError.
var ErrValidation = errors.New("invalid work item")

// Item is one unit of input from the queue.
type Item struct {
	Channel   string `json:"channel"`
	MessageID string `json:"message_id"`
	Message   string `json:"message"`
}

// ValidationError describes why a payload was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid work item: %s", e.Reason)
	}
	return fmt.Sprintf("invalid work item: %s %s", e.Field, e.Reason)
}

// Unwrap lets callers match with errors.Is(err, ErrValidation).
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Decode parses a queue payload and validates it.
func Decode(body []byte) (*Item, error) {
	var item Item
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, &ValidationError{Reason: "malformed JSON: " + err.Error()}
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}
	return &item, nil
}

// Validate checks that channel, message_id and message are all present.
func (i *Item) Validate() error {
	switch {
	case strings.TrimSpace(i.Channel) == "":
		return &ValidationError{Field: "channel", Reason: "is required"}
	case strings.TrimSpace(i.MessageID) == "":
		return &ValidationError{Field: "message_id", Reason: "is required"}
	case strings.TrimSpace(i.Message) == "":
		return &ValidationError{Field: "message", Reason: "is required"}
	}
	return nil
}

// Encode serialises the item for publishing.
func (i *Item) Encode() ([]byte, error) {
	return json.Marshal(i)
}
