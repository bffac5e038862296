package engine

import (
	"fmt"

	"github.com/paywise/flowengine/internal/util"
	"github.com/paywise/flowengine/pkg/api"
)

// StateTransitions maps states to their set of valid next states
//
// Generic state transition tables are used to validate flow and step status
// changes
type StateTransitions[T comparable] map[T]util.Set[T]

var (
	flowTransitions = StateTransitions[api.FlowStatus]{
		api.FlowInitializing: util.SetOf(
			api.FlowReady,
			api.FlowFailed,
		),
		api.FlowReady: util.SetOf(
			api.FlowRunning,
			api.FlowCancelled,
			api.FlowFailed,
		),
		api.FlowRunning: util.SetOf(
			api.FlowPaused,
			api.FlowCompleted,
			api.FlowFailed,
			api.FlowCancelled,
		),
		api.FlowPaused: util.SetOf(
			api.FlowRunning,
			api.FlowFailed,
			api.FlowCancelled,
		),

		// Failed re-enters Running via retry and reaches Completed via an
		// administrative resolve
		api.FlowFailed: util.SetOf(
			api.FlowRunning,
			api.FlowCompleted,
		),
		api.FlowCompleted: {},
		api.FlowCancelled: {},
	}

	stepTransitions = StateTransitions[api.StepStatus]{
		api.StepPending: util.SetOf(
			api.StepInProgress,
			api.StepSkipped,
			api.StepFailed,
		),
		// InProgress returns to Pending when an idempotent step is
		// interrupted by a restart
		api.StepInProgress: util.SetOf(
			api.StepCompleted,
			api.StepFailed,
			api.StepPaused,
			api.StepSkipped,
			api.StepPending,
		),
		api.StepPaused: util.SetOf(
			api.StepPending,
			api.StepSkipped,
			api.StepFailed,
		),

		// Failed steps return to Pending when the flow is retried
		api.StepFailed: util.SetOf(
			api.StepPending,
			api.StepSkipped,
		),
		api.StepCompleted: {},
		api.StepSkipped:   {},
	}
)

// CanTransition returns whether transition from one state to another is valid
func (t StateTransitions[T]) CanTransition(from, to T) bool {
	allowed, ok := t[from]
	if !ok {
		return false
	}
	return allowed.Contains(to)
}

// IsTerminal returns true if the state has no valid transitions
func (t StateTransitions[T]) IsTerminal(state T) bool {
	allowed, ok := t[state]
	return ok && allowed.IsEmpty()
}

// validateStepTransitions checks every step status change between two
// snapshots against the step transition table. Steps are matched by name;
// steps spliced in by branch selection have no predecessor and are exempt
func validateStepTransitions(prev, next *api.FlowState) error {
	for _, s := range next.Steps {
		before := prev.GetStep(s.Name)
		if before == nil || before.Status == s.Status {
			continue
		}
		if !stepTransitions.CanTransition(before.Status, s.Status) {
			return fmt.Errorf("%w: step %s %s to %s",
				ErrInvalidTransition, s.Name, before.Status, s.Status)
		}
	}
	return nil
}
