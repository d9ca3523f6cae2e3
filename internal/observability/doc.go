// Package observability exposes pipeline metrics in the Prometheus format and
// serves them, optionally next to pprof, on a small debug HTTP server.
package observability
