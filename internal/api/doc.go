// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes. readyz checks the blob store.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to trigger a crawl run. Filters come from the query string
//     or a JSON body; the response is sent before the run finishes.
//   - GET /v1/runs/{run_id} for the in-memory snapshot of a run.
package api
