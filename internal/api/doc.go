// Package api hosts the HTTP server, middleware, and REST handlers for event
// intake and operator access. Notable routes:
//   - POST /v1/events to accept a webhook notification.
//   - GET /v1/events/{event_id} for the persisted record plus live progress.
//   - POST /v1/events/{event_id}/cancel and /finalize for remediation.
//   - GET /v1/queue for worker pool and tracker statistics.
//   - GET /healthz / readyz for Kubernetes liveness and readiness checks and /metrics for Prometheus.
package api
