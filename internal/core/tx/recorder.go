package tx

// Outcome is how a frame was resolved.
type Outcome string

const (
	OutcomeCommitted          Outcome = "committed"
	OutcomeRolledBack         Outcome = "rolled_back"
	OutcomeRollbackOnly       Outcome = "marked_rollback_only"
	OutcomeUnexpectedRollback Outcome = "unexpected_rollback"
	OutcomeFailed             Outcome = "failed"
)

// Recorder observes frame lifecycle events, typically to export metrics.
type Recorder interface {
	FrameBegun(p Propagation, kind FrameKind, depth int)
	FrameCompleted(kind FrameKind, outcome Outcome)
}

type nopRecorder struct{}

func (nopRecorder) FrameBegun(Propagation, FrameKind, int) {}
func (nopRecorder) FrameCompleted(FrameKind, Outcome)      {}
