package engine

import (
	"errors"

	"taskline/internal/engine/auth"
	"taskline/internal/repo"
)

// Graph integrity errors. Store constraint failures decode to the same values.
var (
	ErrSelfDependency   = repo.ErrSelfDependency
	ErrDuplicateEdge    = repo.ErrDuplicateEdge
	ErrNotFound         = repo.ErrNotFound
	ErrWouldCreateCycle = errors.New("dependency would create a cycle")
	ErrForbidden        = auth.ErrForbidden
	ErrInvalidStatus    = errors.New("invalid task status")
	ErrInvalidInput     = errors.New("invalid input")
)

// CascadeFailure is a dependent whose re-evaluation did not complete.
type CascadeFailure struct {
	DependentID int64  `json:"dependent_id"`
	Error       string `json:"error"`
}

// CascadeResult reports a one-hop re-evaluation of dependents. Failures are
// reported here and in the log; they never undo the triggering change.
type CascadeResult struct {
	TaskID    int64            `json:"task_id"`
	Evaluated []int64          `json:"evaluated"`
	Unblocked []int64          `json:"unblocked"`
	Failures  []CascadeFailure `json:"failures,omitempty"`
}
