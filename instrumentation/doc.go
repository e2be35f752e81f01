// Package instrumentation wires OpenTelemetry metrics and tracing through
// the authorization server.
//
// By default both providers are no-ops, so instrumentation can stay
// enabled in library code without imposing exporter choices on the host
// application. Hosts that want real telemetry construct the
// Instrumentation with their own resource and swap providers via the
// accessor methods.
//
// Metric instruments cover the HTTP surface, the OAuth flow operations
// (authorize, code exchange, refresh rotation), email verification, and
// storage backend operations.
package instrumentation
