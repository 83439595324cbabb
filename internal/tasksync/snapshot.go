package tasksync

import (
	"slices"

	"chaintodo/internal/ledger"
)

// Snapshot is the synchronizer's published view of the task list.
// It is replaced whole on every publish and never patched in place.
type Snapshot struct {
	// Tasks ordered by id, ascending.
	Tasks []ledger.Task

	// Loading is true while any operation is in flight.
	Loading bool

	// Err is the user-facing message of the last failure, empty if none.
	Err string

	// Kind classifies Err.
	Kind ledger.Kind

	// Draft holds the content of the last CreateTask that did not succeed.
	Draft string

	// Account is the identity the tasks were loaded for.
	Account ledger.Identity

	// Seq is the sequence number of the reload that produced Tasks.
	Seq uint64
}

func (s Snapshot) clone() Snapshot {
	s.Tasks = slices.Clone(s.Tasks)
	return s
}

// Phase is the lifecycle stage of the most recent operation.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSubmitting
	PhaseConfirming
	PhaseReloading
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSubmitting:
		return "submitting"
	case PhaseConfirming:
		return "confirming"
	case PhaseReloading:
		return "reloading"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}
