// Package sinks implements concrete progress consumers: Prometheus collectors
// for job, platform and reject tallies, and structured logging. Each sink
// satisfies progress.Sink and is safe for repeated Consume/Close cycles.
package sinks
