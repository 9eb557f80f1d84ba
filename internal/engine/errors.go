package engine

import (
	"errors"
	"fmt"

	"github.com/swarmauri/peagen/internal/ir"
)

// MismatchReason categorizes checkpoint alignment failures.
type MismatchReason string

const (
	// MismatchPosition means the checkpoint position lies outside the order.
	MismatchPosition MismatchReason = "POSITION_OUT_OF_RANGE"

	// MismatchPath means the record before the checkpoint position is not
	// the one the checkpoint names.
	MismatchPath MismatchReason = "PATH_MISMATCH"

	// MismatchGraph means a record inside the checkpointed prefix changed
	// its prerequisites, or the prefix now holds different records.
	MismatchGraph MismatchReason = "GRAPH_CHANGED"
)

// CheckpointMismatchError reports a stored checkpoint that no longer lines
// up with the freshly computed order. Resuming would silently skip or
// repeat work, so the run is refused.
type CheckpointMismatchError struct {
	Reason MismatchReason
	Scope  string

	// Checkpoint is the stored checkpoint.
	Checkpoint ir.Checkpoint

	// OrderLen is the length of the recomputed order.
	OrderLen int

	// Found is the path at order[Position-1] in the recomputed order, when
	// the position is in range.
	Found string

	// PrefixHash is the prefix hash the current graph gives at the
	// checkpoint position.
	PrefixHash string
}

func (e *CheckpointMismatchError) Error() string {
	cp := e.Checkpoint
	switch e.Reason {
	case MismatchPosition:
		return fmt.Sprintf("%s: checkpoint %s position %d is outside the order of %d records",
			e.Reason, e.Scope, cp.Position, e.OrderLen)
	case MismatchPath:
		return fmt.Sprintf("%s: checkpoint %s expects %q at position %d, order has %q",
			e.Reason, e.Scope, cp.Path, cp.Position, e.Found)
	case MismatchGraph:
		return fmt.Sprintf("%s: checkpoint %s covers %d records hashed as %s, current graph gives %s",
			e.Reason, e.Scope, cp.Position, shortHash(cp.PrefixHash), shortHash(e.PrefixHash))
	default:
		return fmt.Sprintf("%s: checkpoint %s does not match the current order", e.Reason, e.Scope)
	}
}

// IsCheckpointMismatch reports whether err is a CheckpointMismatchError.
func IsCheckpointMismatch(err error) bool {
	var me *CheckpointMismatchError
	return errors.As(err, &me)
}

// DispatchError reports a record whose dispatch or commit failed.
type DispatchError struct {
	Path        string
	ProcessType ir.ProcessType
	WorkerID    string
	Err         error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s %s (worker %s): %v", e.ProcessType, e.Path, e.WorkerID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// BlockedError is recorded for a record that never ran because an ancestor
// failed.
type BlockedError struct {
	Path string
	// Cause is the failed ancestor.
	Cause string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s blocked by failed dependency %s", e.Path, e.Cause)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "(none)"
	}
	return h
}
