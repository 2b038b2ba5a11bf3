// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/imports to queue a batch of versions, GET /v1/imports/{id} to
//     follow it.
//   - GET /v1/pages/{page_id} and the changes/{from..to} routes for reading
//     changes, annotating them and diffing their archived bodies.
package api
