// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server. When disabled it falls back to no-op providers so the
// rest of the codebase never has to nil-check observability plumbing.
package instrumentation
