package ir

import "time"

// Revision is one immutable version of an artifact.
// ParentHash is empty for the first revision recorded for a path.
type Revision struct {
	RevisionHash string    `json:"revision_hash"`
	ParentHash   string    `json:"parent_hash,omitempty"`
	PayloadHash  string    `json:"payload_hash"`
	Path         string    `json:"path"`
	Timestamp    time.Time `json:"timestamp"`
}

// Edge records one worker's contribution to a revision.
// ParentEdgeHash is the same worker's previous edge on that revision.
type Edge struct {
	EdgeHash       string `json:"edge_hash"`
	RevisionHash   string `json:"revision_hash"`
	PayloadHash    string `json:"payload_hash"`
	WorkerID       string `json:"worker_id"`
	ParentEdgeHash string `json:"parent_edge_hash,omitempty"`
}

// ProvenanceRecord is the audit view of a revision: the revision itself,
// its edges in append order and the fanout root once finalized.
//
// Revisions are content-addressed, so files with identical bytes and
// identical history share one revision. Paths lists every rendered path
// that produced it; Revision.Path is the first.
type ProvenanceRecord struct {
	Revision
	Paths      []string `json:"paths"`
	Edges      []Edge   `json:"edges"`
	FanoutRoot string   `json:"fanout_root,omitempty"`
}

// Finalized reports whether the record carries a fanout root.
func (p ProvenanceRecord) Finalized() bool {
	return p.FanoutRoot != ""
}

// Checkpoint marks how far a run has progressed through an ordered sequence.
//
// Position counts the records completed as a contiguous prefix of the
// order, so it is also the index of the next record to run. Path and
// RevisionHash identify order[Position-1] and are empty when Position is 0.
//
// GraphHash records the whole graph the run started with. PrefixHash
// covers only order[:Position] and the prerequisites of each of those
// records; it is what a resume compares, so records added outside the
// prefix do not invalidate the checkpoint.
type Checkpoint struct {
	Position     int       `json:"position"`
	Path         string    `json:"path,omitempty"`
	RevisionHash string    `json:"revision_hash,omitempty"`
	GraphHash    string    `json:"graph_hash"`
	PrefixHash   string    `json:"prefix_hash,omitempty"`
	RunID        string    `json:"run_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}
