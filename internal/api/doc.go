// Package api hosts the HTTP server, middleware, and REST handlers of the
// linkback service. Notable routes:
//   - GET /healthz and /readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /pingback and POST /trackback/{kind}/{id} for inbound pings.
//   - /v1/backlinks for listing and moderating received backlinks.
//   - /v1/pings, /v1/ping-all, and /v1/discover for outbound pings.
//   - GET /v1/resources/{kind}/{id}/discovery for the markup a page embeds
//     to advertise its endpoints.
//
// With auth disabled only the read-only /v1 routes are served; moderation,
// ping-all, and discover answer 403.
package api
