package publish

import "fmt"

// Phase is a step of a publish. Phases advance strictly in order; Failed is
// reachable from any of them.
type Phase int

const (
	PhaseStart Phase = iota
	PhaseCollecting
	PhaseCreatingBlobs
	PhaseCreatingTree
	PhaseResolvingParent
	PhaseCreatingCommit
	PhaseUpdatingReference
	PhaseDone
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseStart:             "start",
	PhaseCollecting:        "collecting",
	PhaseCreatingBlobs:     "creating-blobs",
	PhaseCreatingTree:      "creating-tree",
	PhaseResolvingParent:   "resolving-parent",
	PhaseCreatingCommit:    "creating-commit",
	PhaseUpdatingReference: "updating-reference",
	PhaseDone:              "done",
	PhaseFailed:            "failed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// MarshalText renders the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// PhaseError is a publish failure, tagged with the phase that was running.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("publish failed during %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }
