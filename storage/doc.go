// Package storage defines the persistence interfaces and entities used by
// the authorization server.
//
// Two implementations ship with the module:
//
//   - memory: a mutex-guarded in-process store with a background cleanup
//     loop, suitable for tests and single-instance deployments.
//   - valkey: a Valkey/Redis-backed store with native TTL expiry and Lua
//     scripts for the atomic consume operations, suitable for
//     multi-instance deployments.
package storage
