// Package sinks implements progress consumers: Prometheus batch lifecycle
// metrics, structured logging and live counter persistence in the event store.
package sinks
