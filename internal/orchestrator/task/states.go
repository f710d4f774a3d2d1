package task

import (
	v1 "github.com/crewmux/crewmux/pkg/api/v1"
)

// transitions is the task state machine. Terminal states have no entries;
// cancellation is legal from every non-terminal state and handled separately.
var transitions = map[v1.TaskState][]v1.TaskState{
	v1.TaskStatePending:   {v1.TaskStateScheduled},
	v1.TaskStateScheduled: {v1.TaskStateRunning},
	v1.TaskStateRunning:   {v1.TaskStateCompleted, v1.TaskStateFailed, v1.TaskStateRetrying},
	v1.TaskStateRetrying:  {v1.TaskStatePending},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to v1.TaskState) bool {
	if from.Terminal() {
		return false
	}
	if to == v1.TaskStateCancelled || to == v1.TaskStateSkipped {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
