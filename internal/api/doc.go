// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/user/name-history?uid= for a user's record and name history.
//   - GET /v1/onair?subjects=1,2 for on-air catalog entries.
package api
