// Package session resolves channels to provider sessions.
//
// A channel's first message creates a provider session and caches the
// mapping for the retention window. Each later message refreshes the window,
// bumps the message count and reuses the session. When the window lapses
// without activity the mapping expires and the next message starts over.
package session
