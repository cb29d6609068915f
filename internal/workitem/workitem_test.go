// ABOUTME: Tests for work item decoding and validation
// ABOUTME: Covers missing fields, blank fields and malformed payloads

package workitem

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Valid(t *testing.T) {
	item, err := Decode([]byte(`{"channel":"c1","message_id":"m1","message":"hello"}`))
	require.NoError(t, err)

	assert.Equal(t, "c1", item.Channel)
	assert.Equal(t, "m1", item.MessageID)
	assert.Equal(t, "hello", item.Message)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing message_id", `{"channel":"c1","message":"hi"}`, "message_id"},
		{"missing channel", `{"message_id":"m1","message":"hi"}`, "channel"},
		{"missing message", `{"channel":"c1","message_id":"m1"}`, "message"},
		{"blank message", `{"channel":"c1","message_id":"m1","message":"   "}`, "message"},
		{"malformed json", `{"channel":`, ""},
		{"wrong type", `{"channel":1,"message_id":"m1","message":"hi"}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, err := Decode([]byte(tt.body))
			require.Error(t, err)
			assert.Nil(t, item)
			assert.True(t, errors.Is(err, ErrValidation))

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestEncode_RoundTripsFieldNames(t *testing.T) {
	item := &Item{Channel: "c1", MessageID: "m1", Message: "hi"}
	data, err := item.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel":"c1","message_id":"m1","message":"hi"}`, string(data))
}
