// Package progress carries batch lifecycle events from the completion tracker
// to pluggable sinks. Emitters never block: the Hub buffers events on a
// channel, batches them on a background goroutine and fans each batch out to
// Prometheus, structured logs or the event store.
package progress
