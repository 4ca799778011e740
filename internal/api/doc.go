// Package api hosts the HTTP server, middleware, and handlers. Routes:
//   - POST /webmention receives claims (form fields or query parameters).
//   - GET /webmention/status/{job_id} reports async job state.
//   - GET /webmention/mentions and /webmention/mentions/{id} read the
//     mirrored mention index when one is configured.
//   - GET /healthz and /readyz for probes, GET /metrics for Prometheus.
package api
