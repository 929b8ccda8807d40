// Package tracker implements the fan-in side of event processing: it counts
// job outcomes per event, decides the terminal status exactly once and writes
// it through the event store.
//
// Each registered batch carries its own mutex. The tracker-wide lock guards
// only the batch, pending and tombstone maps, so events never contend with
// each other while counting. The decision (status, counts, metadata patch) is
// taken inside the batch critical section and executed outside it; once taken
// it is never recomputed, even across finalize retries or Refinalize.
//
// Phases move strictly forward:
//
//	registered -> in_progress -> finalizing -> terminal
//
// Outcomes for an unknown event are buffered for the grace period so a
// report that races ahead of registration is not lost. Terminal events leave
// a tombstone so late or duplicate outcomes are discarded instead of buffered.
package tracker
