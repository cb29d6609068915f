// Package store keeps a ledger of processed work items in SQLite.
//
// Every work item the relay finishes, whether completed, failed or rejected
// at validation, becomes one Outcome row carrying its channel, message id,
// session, terminal reason, frame count, tool calls, token usage and
// duration. relay-admin history reads it back. The ledger is optional: with
// database.path unset the relay records nothing.
//
// MockStore is an in-memory Store for tests.
package store
