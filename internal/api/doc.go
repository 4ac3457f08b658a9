// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the cycle status and throttle state.
//   - POST /v1/cycles, /v1/sources/{id}/check and /v1/sources/stale to
//     trigger work.
package api
