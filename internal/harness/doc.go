// Package harness runs conformance scenarios against the execution engine.
//
// A scenario names a projects payload (a manifest file or an inline
// payload) and a list of steps. Each step is a run or a resume of the real
// engine against one shared in-memory store and artifact store, so a
// scenario can fail a record in one step and resume it in the next.
// Records are produced by collab.Fake: canned outputs come from the
// scenario, and a step lists the records it makes fail.
//
// Determinism: run IDs come from testutil.FixedRunID and timestamps from
// testutil.DeterministicClock, so the step trace of a scenario is
// byte-identical across executions and can be compared against a golden
// file.
//
// # Scenario format
//
//	name: resume-after-failure
//	description: n02 fails, resume finishes the chain
//	manifest: chain.yaml
//	workers: 1
//	outputs:
//	  n00.txt: "seed\n"
//	steps:
//	  - action: run
//	    fail: [n02.txt]
//	    expect:
//	      status: failed
//	      position: 2
//	  - action: resume
//	    expect:
//	      status: succeeded
//	      completed: [n02.txt, n03.txt]
//	assertions:
//	  - type: checkpoint
//	    position: 4
//	  - type: provenance_valid
//
// # Assertions
//
//   - order: the computed order equals paths
//   - checkpoint: the stored checkpoint has position (and path, when set)
//   - history: path has count revisions
//   - shared_revision: every path in paths has the same head revision
//   - artifact: the stored bytes of path contain contains
//   - provenance_valid: every stored provenance record verifies
//
// # Golden Files
//
// RunWithGolden compares the canonical JSON step trace against
// testdata/golden/{name}.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
