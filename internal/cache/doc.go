// Package cache stores channel to session mappings, their metadata and the
// assistant identifier.
//
// Two Store implementations exist: Redis, used whenever cache.url is set, and
// Memory, an in-process TTL cache for single-worker deployments and tests.
// Keyspace builds the prefixed keys:
//
//	<prefix>session:<channel>       session id, TTL = retention window
//	<prefix>session_meta:<channel>  JSON metadata, same TTL
//	<prefix>assistantId             assistant id, no TTL
package cache
