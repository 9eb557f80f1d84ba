package graph

import (
	"errors"
	"fmt"
	"strings"
)

// CyclicDependencyError reports the shortest dependency cycle found.
// Cycle starts and ends with the same path: [a, b, a] means a depends on b
// and b depends on a. A self-reference is [a, a].
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Cycle, " -> "))
}

// DanglingDependencyError reports a reference that resolves to no record.
// Only returned when strict resolution is enabled.
type DanglingDependencyError struct {
	Path string
	Ref  string
	// Resolved is the path the reference resolved to, if it parsed.
	Resolved string
	Cause    error
}

func (e *DanglingDependencyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: dangling dependency %q: %v", e.Path, e.Ref, e.Cause)
	}
	return fmt.Sprintf("%s: dangling dependency %q (resolved to %q)", e.Path, e.Ref, e.Resolved)
}

func (e *DanglingDependencyError) Unwrap() error { return e.Cause }

// DuplicateRecordError reports two records rendering to the same path.
type DuplicateRecordError struct {
	Path string
}

func (e *DuplicateRecordError) Error() string {
	return fmt.Sprintf("duplicate record for rendered path %q", e.Path)
}

// InvalidReferenceError reports a colon reference that violates the grammar.
type InvalidReferenceError struct {
	Ref    string
	Offset int
	Reason string
}

func (e *InvalidReferenceError) Error() string {
	return fmt.Sprintf("invalid reference %q at offset %d: %s", e.Ref, e.Offset, e.Reason)
}

// IsCycle reports whether err is or wraps a CyclicDependencyError.
func IsCycle(err error) bool {
	var ce *CyclicDependencyError
	return errors.As(err, &ce)
}

// IsDangling reports whether err is or wraps a DanglingDependencyError.
func IsDangling(err error) bool {
	var de *DanglingDependencyError
	return errors.As(err, &de)
}

// IsDuplicate reports whether err is or wraps a DuplicateRecordError.
func IsDuplicate(err error) bool {
	var de *DuplicateRecordError
	return errors.As(err, &de)
}
