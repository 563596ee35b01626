// Package output renders finalized queries for the two consumers of the
// engine's history: a plain-text report stream and OpenTelemetry spans.
//
// Formatters implement sessions.Finalizer and receive each query exactly
// once, after its portal teardown completes. They only read the finalized
// Query; all reconstruction happens upstream in sessions and model.
package output
