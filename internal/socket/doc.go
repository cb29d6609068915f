// Package socket delivers frames to WebSocket subscribers.
//
// Client connects to an external broadcaster. Hub is an embedded broadcaster
// that serves the same protocol and can also be published to in-process.
// Both speak frames of the form
//
//	{"channel": "<target>", "payload": {...}}
//
// with subscriptions managed through control frames on the "subscription"
// channel whose payload is {"action": "subscribe"|"unsubscribe", "channel": "<target>"}.
package socket
