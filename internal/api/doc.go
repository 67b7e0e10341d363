// Package api hosts the HTTP server, middleware, and REST handlers. Routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /crawl to submit a crawl, answered before the crawl runs.
//   - GET /crawl/status/{job_id}, /crawl/jobs and /crawl/stats for polling.
package api
