// Package observability provides structured logging and metrics
// for the assistant auth gateway.
//
// This package implements:
//   - Logger construction from configuration (zap-based)
//   - Request ID propagation through context
//   - Prometheus counters for signature, authentication, session and rate-limit outcomes
package observability
