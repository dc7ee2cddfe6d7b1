// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that the job runner and event pipeline use to report crawl
// progress and record outcomes. Events are batched on a background goroutine
// and fanned out to pluggable sinks such as Prometheus or structured logs.
package progress
