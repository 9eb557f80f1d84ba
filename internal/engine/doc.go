// Package engine executes an ordered record sequence resumably.
//
// The engine computes the execution order from the dependency graph, hands
// each record to the collaborator for its process type, stores the output
// in the artifact store and records a revision and edge in the provenance
// ledger. Progress is persisted as a checkpoint so a later Resume can pick
// up where a cancelled or failed run stopped.
//
// ARCHITECTURE:
//
// Single-Writer Scheduler:
// One goroutine owns every record state, the checkpoint and the run
// result. Workers never touch that state; they post their outcome to a
// mailbox the scheduler empties between dispatch rounds.
//
// Dispatch Flow:
//  1. The scheduler pops the ready record with the lowest sequence index
//  2. A worker slot is claimed and the record is dispatched (Pending -> Dispatched)
//  3. The worker renders, generates or runs the record and commits the output
//  4. The worker posts a completion event and releases nothing else
//  5. The scheduler applies each event (Completed or Failed), advances the
//     checkpoint over the contiguous completed prefix and readies dependents
//
// A record is ready once every ancestor in the transitive closure is
// Completed, so records running at the same time are always independent.
// With one worker the execution order is exactly the ordered sequence.
//
// Failure Policy:
// A Failed record blocks all of its transitive dependents. Independent
// branches keep running unless FailFast is set, in which case dispatching
// stops, in-flight work drains and the first failure is returned.
//
// Cancellation:
// Cancelling the context stops dispatching. In-flight dispatches are not
// retried. The persisted checkpoint always describes a completed prefix of
// the order, so it stays valid for Resume.
package engine
