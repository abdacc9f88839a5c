// Package api hosts the HTTP server, middleware, and handlers. Notable routes:
//   - GET /ws and /connect/{workflow} upgrade to a websocket that receives
//     every new result, starting with the cached one.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/result, POST /v1/scrape and GET /v1/status for operators.
package api
