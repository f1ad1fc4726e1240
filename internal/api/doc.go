// Package api hosts the optional status server. Routes:
//   - GET /healthz and /readyz for probes; readyz turns 200 once a run finished.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs/latest and /v1/runs/latest/totals for the last run report.
package api
