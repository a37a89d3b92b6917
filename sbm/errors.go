package sbm

import "errors"

// Error kinds per spec section 7. ConstraintBarrier, NotSupported and
// ShapeMismatch are ordinary recoverable errors surfaced to the MCMC driver;
// InvariantFailure is only ever raised by the consistency checkers
// (CheckEdgeCounts / CheckNodeCounts) and, in debug builds, never returned at
// all -- it is instead converted into an enforce.ENFORCE abort, matching the
// teacher's graph.DEBUG-gated log.Panic() in termination.go.
var (
	// ErrConstraintBarrier is returned by MoveVertex when allowMove rejects
	// the transition. VirtualMove never returns this error: it swallows the
	// barrier and reports +Inf instead (spec section 4.5, 7).
	ErrConstraintBarrier = errors.New("sbm: move rejected by constraint barrier")

	// ErrNotSupported is returned for operations the model configuration
	// cannot perform, e.g. dense entropy for a degree-corrected or overlap
	// model (spec section 4.6).
	ErrNotSupported = errors.New("sbm: operation not supported for this model configuration")

	// ErrShapeMismatch is returned by AddVertices when the vertex list and
	// block list lengths disagree.
	ErrShapeMismatch = errors.New("sbm: shape mismatch")

	// ErrInvariantFailure names the InvariantFailure error kind. No function
	// in this package returns it: CheckEdgeCounts / CheckNodeCounts report a
	// violation as a false result, and AssertInvariants aborts via
	// enforce.ENFORCE when Debug is true.
	ErrInvariantFailure = errors.New("sbm: invariant failure")
)

// ConstraintBarrierError carries the specific blocks involved, for callers
// that want more than "it was rejected".
type ConstraintBarrierError struct {
	Vertex   int
	From, To int
}

func (e *ConstraintBarrierError) Error() string {
	return "sbm: move of vertex blocked by constraint class"
}

func (e *ConstraintBarrierError) Unwrap() error { return ErrConstraintBarrier }
