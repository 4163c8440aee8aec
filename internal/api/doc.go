// Package api hosts the HTTP server, middleware, and handlers. Notable routes:
//   - GET /countries and /initialize-countries read the country catalog.
//   - GET /selected-country/{code} streams NDJSON progress while a country is
//     fetched, then the record.
//   - /api/country/{code} reads, replaces, and deletes stored records.
//   - GET /api/{data_type}/{code} proxies a single upstream request type.
//   - GET /healthz, /readyz, and /metrics for probes and Prometheus scraping.
package api
