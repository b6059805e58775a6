package actor

import "github.com/codeready-toolchain/sessionbroker/pkg/model"

// lifecycleTransitions is the allowed-transition table of spec.md §4.4.
// "error" is reachable from any state and is intentionally checked
// separately in lifecycleAllowed rather than listed under every entry.
var lifecycleTransitions = map[model.LifecycleStatus][]model.LifecycleStatus{
	model.LifecycleProvisioning: {model.LifecycleStarting},
	model.LifecycleStarting:     {model.LifecycleRunning, model.LifecycleError},
	model.LifecycleRunning:      {model.LifecycleIdle, model.LifecycleStopping},
	model.LifecycleIdle:         {model.LifecycleRunning, model.LifecycleStopping},
	model.LifecycleStopping:     {model.LifecycleStopped},
}

// lifecycleAllowed reports whether from → to is a legal lifecycle transition.
func lifecycleAllowed(from, to model.LifecycleStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == model.LifecycleError {
		return true
	}
	for _, allowed := range lifecycleTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// workflowTransitions is the allowed-transition table of spec.md §4.5.
var workflowTransitions = map[model.WorkflowStatus][]model.WorkflowStatus{
	model.WorkflowStarted: {model.WorkflowWorking},
	model.WorkflowWorking: {
		model.WorkflowAwaitingInput,
		model.WorkflowBlocked,
		model.WorkflowAwaitingReview,
		model.WorkflowCompleted,
	},
	model.WorkflowAwaitingInput:  {model.WorkflowWorking},
	model.WorkflowBlocked:        {model.WorkflowWorking},
	model.WorkflowAwaitingReview: {model.WorkflowWorking, model.WorkflowCompleted},
}

// workflowAllowed reports whether from → to is a legal workflow transition.
func workflowAllowed(from, to model.WorkflowStatus) bool {
	for _, allowed := range workflowTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
