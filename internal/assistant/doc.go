// Package assistant manages the singleton assistant the relay runs messages
// against. The id is fetched once at startup via Manager.Ensure and passed to
// the relay explicitly.
package assistant
