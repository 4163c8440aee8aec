// Package progress carries fan-out progress events. A Hub batches them on a
// background goroutine for operator sinks (logs, Prometheus), and a Stream
// encodes them as newline-delimited JSON for a single caller.
package progress
