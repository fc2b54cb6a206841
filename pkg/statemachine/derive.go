package statemachine

import "github.com/cuemby/chrono/pkg/types"

// derivedState is the outcome of folding an instance's tasks into a
// run-state, or nil when the instance is still in flight and its
// run-state should not change.
type derivedState struct {
	RunState types.RunState
	EndTime  *int64 // set only when RunState is terminal
}

// deriveRunState implements the run-state derivation rule: if every task
// is terminal, the instance is CANCELED if any task failed, else FINISHED;
// if any task is still WAITING or EXECUTING, the instance stays in its
// current run-state (nil); otherwise every task is terminal-or-paused
// without being all-terminal, so the instance is PAUSED.
func deriveRunState(tasks []*types.Task, now int64) *derivedState {
	allTerminal := true
	anyFailure := false
	anyInFlight := false
	var maxEnd int64

	for _, t := range tasks {
		if !t.ExecuteState.IsTerminal() {
			allTerminal = false
			if t.ExecuteState == types.ExecuteWaiting || t.ExecuteState == types.ExecuteExecuting {
				anyInFlight = true
			}
		} else {
			if t.ExecuteState.IsFailure() {
				anyFailure = true
			}
			if t.ExecuteEndTime != nil && *t.ExecuteEndTime > maxEnd {
				maxEnd = *t.ExecuteEndTime
			}
		}
	}

	if allTerminal {
		state := types.RunStateFinished
		if anyFailure {
			state = types.RunStateCanceled
		}
		end := maxEnd
		if end == 0 {
			end = now
		}
		return &derivedState{RunState: state, EndTime: &end}
	}

	if anyInFlight {
		return nil
	}

	return &derivedState{RunState: types.RunStatePaused}
}
