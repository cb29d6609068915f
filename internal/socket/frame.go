// ABOUTME: Wire format shared by the socket client and hub
// ABOUTME: Every message is {"channel": ..., "payload": ...}; control frames use the subscription channel

package socket

import (
	"encoding/json"
	"fmt"
)

// SubscriptionChannel carries subscribe and unsubscribe control frames.
const SubscriptionChannel = "subscription"

// Subscription actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Frame is one message on the socket.
type Frame struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Subscription is the payload of a control frame.
type Subscription struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// EncodeFrame marshals payload into a frame addressed to channel.
func EncodeFrame(channel string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return json.Marshal(Frame{Channel: channel, Payload: raw})
}

// subscriptionFrame builds a control frame for action on channel.
func subscriptionFrame(action, channel string) ([]byte, error) {
	return EncodeFrame(SubscriptionChannel, Subscription{Action: action, Channel: channel})
}
