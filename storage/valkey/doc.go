// Package valkey implements the storage interfaces against a
// Valkey/Redis server.
//
// Records that expire (authorization codes, tokens, MFA codes, sessions,
// verification tokens) are written with native TTLs, so Sweep is a no-op
// for this backend. The single-use consume operations (authorization
// codes, refresh tokens) execute as Lua scripts, which keeps delete-as-
// consume atomic even when multiple server instances share the backend.
//
// Tests in this package require a running Valkey instance and are skipped
// when one is not reachable; set VALKEY_TEST_ADDR to point at it.
package valkey
