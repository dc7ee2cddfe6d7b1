// Package api hosts the HTTP server, middleware and handlers of the event
// discovery service. Notable routes:
//   - POST /api/v1/search streams results as Server-Sent Events.
//   - GET /api/v1/jobs/{job_id} reports crawl job progress.
//   - POST /api/v1/jobs queues a batch crawl.
//   - GET /healthz and /readyz for probes, /metrics for Prometheus.
//
// Every /api/v1 route is rate limited per client with a sliding window.
package api
