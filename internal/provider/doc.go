// Package provider defines the streaming client the relay uses to talk to the
// conversational-AI provider, with an OpenAI Assistants implementation and an
// in-memory fake for tests.
//
// A run is consumed by calling Stream.Next until io.EOF. Events arrive in
// provider order: zero or more EventToolUse and EventText, EventMessageDone
// once a message finishes, and EventDone or EventError to end the run.
package provider
