// Package main hosts the pricing webhook service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts POST /v1/events, validates the payload and hands it to the
//     Dispatcher, which persists the event as received, registers the batch with the tracker and only then
//     submits one work item per resource to the worker pool.
//   - Worker pool: a bounded in-memory queue (worker.queue_depth) feeds worker.concurrency goroutines. Each item
//     runs the job unit under a per-attempt timeout: fetch the record (memory/local/GCS/FTP, optionally rate
//     limited), extract and normalize prices with the provider convention, and report one outcome.
//   - Tracker: counts outcomes per event under a per-event mutex, buffers outcomes that beat registration for a
//     grace period, reclaims stale batches, and finalizes each event exactly once with a merged metadata patch.
//   - Persistence & fanout: the event store is in-memory or Postgres (pgx). Progress events flow through a
//     buffered hub to log, Prometheus and store sinks. A Pub/Sub notification is published after finalize when
//     pubsub.enabled is set.
//
// Quick checklist:
//   - Configure env vars: WEBHOOKS_SERVER_PORT, WEBHOOKS_WORKER_CONCURRENCY, WEBHOOKS_FETCHER_BACKEND,
//     WEBHOOKS_DATABASE_DRIVER / WEBHOOKS_DATABASE_DSN, and WEBHOOKS_PUBSUB_* for notifications.
//   - Run locally: go run . serve --config config.yaml
//   - Cleanup: go run . purge --older-than 720h
package main

import "github.com/JakeFAU/pricing-webhooks/cmd"

func main() {
	cmd.Execute()
}
