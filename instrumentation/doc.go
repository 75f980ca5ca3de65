// Package instrumentation provides OpenTelemetry metrics and tracing
// for the broker. When disabled, no-op providers are installed so
// recording carries no overhead.
package instrumentation
