package statemachine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/cuemby/chrono/pkg/chronoerr"
	"github.com/cuemby/chrono/pkg/types"
)

// Trigger implements TRIGGER: it atomically advances job's next fire time
// with a CAS on the previously-read value, and on success creates the
// job's instance/task variant and returns an Effect that dispatches it.
// Collision handling follows job.CollisionStrategy against the job's
// currently non-terminal instances.
func (m *Machine) Trigger(ctx context.Context, jobID int64) (Effect, error) {
	job, err := m.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.JobState != types.JobEnable {
		return nil, nil
	}

	triggerTime := nowMillis()
	if job.NextTriggerTime != nil {
		triggerTime = *job.NextTriggerTime
	}

	open, err := m.Instances.ListNonTerminalByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		switch job.CollisionStrategy {
		case types.CollisionDiscard:
			return m.advanceTriggerTime(ctx, job, triggerTime)
		case types.CollisionSerial:
			// leave next_trigger_time alone; WaitingInstanceScanner or the
			// next TRIGGER attempt after the open instance finishes retries.
			return nil, nil
		case types.CollisionOverride:
			if err := m.cancelInstances(ctx, open); err != nil {
				return nil, err
			}
		case types.CollisionConcurrent:
			// fall through: create the new instance alongside the open ones.
		}
	}

	prevNext := job.NextTriggerTime
	next, err := computeNextTrigger(job, triggerTime)
	if err != nil {
		return nil, err
	}
	var prevVal int64
	if prevNext != nil {
		prevVal = *prevNext
	}
	if err := m.Jobs.UpdateTriggerTimes(ctx, job.JobID, prevVal, triggerTime, next); err != nil {
		return nil, chronoerr.New(chronoerr.KindConcurrencyConflict, "statemachine.Trigger", err)
	}

	c, err := m.create(ctx, job, types.RunTypeSchedule, triggerTime, 0, 0)
	if err != nil {
		return nil, err
	}

	tx, err := m.Store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	tasks, err := m.persist(ctx, tx, job, c)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, chronoerr.New(chronoerr.KindTransient, "statemachine.Trigger", err)
	}

	inst, allTasks := c.Instance, tasks
	return func(ctx context.Context) {
		m.Dispatch.Dispatch(ctx, job, inst, allTasks)
	}, nil
}

func (m *Machine) advanceTriggerTime(ctx context.Context, job *types.Job, triggerTime int64) (Effect, error) {
	var prevVal int64
	if job.NextTriggerTime != nil {
		prevVal = *job.NextTriggerTime
	}
	next, err := computeNextTrigger(job, triggerTime)
	if err != nil {
		return nil, err
	}
	if err := m.Jobs.UpdateTriggerTimes(ctx, job.JobID, prevVal, triggerTime, next); err != nil {
		return nil, chronoerr.New(chronoerr.KindConcurrencyConflict, "statemachine.advanceTriggerTime", err)
	}
	return nil, nil
}

func (m *Machine) cancelInstances(ctx context.Context, instances []*types.Instance) error {
	for _, inst := range instances {
		effect, err := m.Cancel(ctx, inst.InstanceID)
		if err != nil {
			return err
		}
		if effect != nil {
			effect(ctx)
		}
	}
	return nil
}

// Pause implements PAUSE: every WAITING task is CASed to PAUSED and a
// SendControl is issued for any EXECUTING task so its worker can stop
// promptly; the instance itself moves to PAUSED once no task is still
// WAITING or EXECUTING.
func (m *Machine) Pause(ctx context.Context, instanceID int64) (Effect, error) {
	isLead, err := m.isWorkflowLead(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if isLead {
		return m.workflowLeadOp(ctx, instanceID, m.Pause)
	}
	return m.withInstanceLock(ctx, instanceID, 0, func(tx *sql.Tx, inst *types.Instance) (Effect, error) {
		if inst.RunState.IsTerminal() {
			return nil, nil
		}
		tasks, err := m.Tasks.ListByInstance(ctx, tx, inst.InstanceID)
		if err != nil {
			return nil, err
		}

		var toNotify []*types.Task
		for _, t := range tasks {
			switch t.ExecuteState {
			case types.ExecuteWaiting:
				t.ExecuteState = types.ExecutePaused
				if err := m.Tasks.Save(ctx, tx, t); err != nil {
					return nil, err
				}
			case types.ExecuteExecuting:
				toNotify = append(toNotify, t)
			}
		}

		job, err := m.Jobs.Get(ctx, inst.JobID)
		if err != nil {
			return nil, err
		}
		effect, err := m.finalizeFromDerivation(ctx, tx, job, inst, tasks, false)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) {
			for _, t := range toNotify {
				m.Dispatch.SendControl(ctx, t, types.OpPause)
			}
			if effect != nil {
				effect(ctx)
			}
		}, nil
	})
}

// Resume implements RESUME: every PAUSED task goes back to WAITING, a
// PAUSED instance returns to WAITING, and the returned effect re-dispatches
// exactly the tasks that were restored.
func (m *Machine) Resume(ctx context.Context, instanceID int64) (Effect, error) {
	isLead, err := m.isWorkflowLead(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if isLead {
		return m.workflowLeadOp(ctx, instanceID, m.Resume)
	}
	return m.withInstanceLock(ctx, instanceID, 0, func(tx *sql.Tx, inst *types.Instance) (Effect, error) {
		if inst.RunState != types.RunStatePaused {
			return nil, nil
		}
		tasks, err := m.Tasks.ListByInstance(ctx, tx, inst.InstanceID)
		if err != nil {
			return nil, err
		}

		var restored []*types.Task
		for _, t := range tasks {
			if t.ExecuteState == types.ExecutePaused {
				t.ExecuteState = types.ExecuteWaiting
				if err := m.Tasks.Save(ctx, tx, t); err != nil {
					return nil, err
				}
				restored = append(restored, t)
			}
		}

		inst.RunState = types.RunStateWaiting
		if err := m.Instances.Save(ctx, tx, inst); err != nil {
			return nil, err
		}

		job, err := m.Jobs.Get(ctx, inst.JobID)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) {
			m.Dispatch.Dispatch(ctx, job, inst, restored)
		}, nil
	})
}

// Cancel implements CANCEL: every non-terminal task is CASed to
// MANUAL_CANCELED (EXECUTING tasks are also sent a control RPC), and
// finalization is forced to CANCELED even if the task mix would otherwise
// derive PAUSED.
func (m *Machine) Cancel(ctx context.Context, instanceID int64) (Effect, error) {
	isLead, err := m.isWorkflowLead(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if isLead {
		return m.workflowLeadOp(ctx, instanceID, m.Cancel)
	}
	return m.withInstanceLock(ctx, instanceID, 0, func(tx *sql.Tx, inst *types.Instance) (Effect, error) {
		if inst.RunState.IsTerminal() {
			return nil, nil
		}
		tasks, err := m.Tasks.ListByInstance(ctx, tx, inst.InstanceID)
		if err != nil {
			return nil, err
		}

		var toNotify []*types.Task
		now := nowMillis()
		for _, t := range tasks {
			if t.ExecuteState.IsTerminal() {
				continue
			}
			if t.ExecuteState == types.ExecuteExecuting {
				toNotify = append(toNotify, t)
			}
			t.ExecuteState = types.ExecuteManualCanceled
			t.ExecuteEndTime = &now
			if err := m.Tasks.Save(ctx, tx, t); err != nil {
				return nil, err
			}
		}

		job, err := m.Jobs.Get(ctx, inst.JobID)
		if err != nil {
			return nil, err
		}
		effect, err := m.finalizeFromDerivation(ctx, tx, job, inst, tasks, true)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) {
			for _, t := range toNotify {
				m.Dispatch.SendControl(ctx, t, types.OpCancel)
			}
			if effect != nil {
				effect(ctx)
			}
		}, nil
	})
}

// Delete implements DELETE: removes a terminal instance and its tasks.
// Non-terminal instances must be canceled first.
func (m *Machine) Delete(ctx context.Context, instanceID int64) error {
	inst, err := m.Instances.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if !inst.RunState.IsTerminal() {
		return chronoerr.New(chronoerr.KindInvalidConfig, "statemachine.Delete", nil)
	}
	tx, err := m.Store.BeginTx(ctx)
	if err != nil {
		return err
	}
	if _, err := m.Store.Exec(ctx, tx, `DELETE FROM sched_task WHERE instance_id = ?`, instanceID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := m.Store.Exec(ctx, tx, `DELETE FROM sched_instance WHERE instance_id = ?`, instanceID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return chronoerr.New(chronoerr.KindTransient, "statemachine.Delete", err)
	}
	return nil
}

// Purge implements PURGE: a forced terminal close of an instance whose
// tasks are stuck (e.g. their worker is gone and will never report back).
// It sweeps tasks like Cancel does, but terminates every non-terminal task
// as EXECUTE_TIMEOUT and issues no SendControl, since purge exists
// precisely because the worker cannot be reached.
func (m *Machine) Purge(ctx context.Context, instanceID int64) (Effect, error) {
	isLead, err := m.isWorkflowLead(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if isLead {
		return m.workflowLeadOp(ctx, instanceID, m.Purge)
	}
	return m.withInstanceLock(ctx, instanceID, 0, func(tx *sql.Tx, inst *types.Instance) (Effect, error) {
		if inst.RunState.IsTerminal() {
			return nil, nil
		}
		tasks, err := m.Tasks.ListByInstance(ctx, tx, inst.InstanceID)
		if err != nil {
			return nil, err
		}

		now := nowMillis()
		for _, t := range tasks {
			if t.ExecuteState.IsTerminal() {
				continue
			}
			t.ExecuteState = types.ExecuteTimeout
			t.ExecuteEndTime = &now
			if err := m.Tasks.Save(ctx, tx, t); err != nil {
				return nil, err
			}
		}

		job, err := m.Jobs.Get(ctx, inst.JobID)
		if err != nil {
			return nil, err
		}
		return m.finalizeFromDerivation(ctx, tx, job, inst, tasks, true)
	})
}

// StartTask implements START_TASK: a worker reports it has begun
// executing a task. Both CASes (the task's EXECUTE_WAITING -> EXECUTING
// and the instance's WAITING/RUNNING -> RUNNING) must hold together; if
// the task has already moved on (a duplicate or late report) the call is
// a harmless no-op.
func (m *Machine) StartTask(ctx context.Context, taskID int64, wnstanceID int64, worker types.ServerEndpoint) (Effect, error) {
	tx, err := m.Store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	task, err := m.Tasks.Get(ctx, tx, taskID)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	_ = tx.Rollback() // release before taking the instance lock, avoids lock-order inversion

	if task.ExecuteState != types.ExecuteWaiting {
		return nil, nil
	}

	return m.withInstanceLock(ctx, task.InstanceID, wnstanceID, func(tx *sql.Tx, inst *types.Instance) (Effect, error) {
		task, err := m.Tasks.Get(ctx, tx, taskID)
		if err != nil {
			return nil, err
		}
		if task.ExecuteState != types.ExecuteWaiting {
			return nil, nil
		}
		if inst.RunState != types.RunStateWaiting && inst.RunState != types.RunStateRunning {
			return nil, nil
		}

		now := nowMillis()
		task.ExecuteState = types.ExecuteExecuting
		task.ExecuteStartTime = &now
		task.Worker = worker.String()
		if err := m.Tasks.Save(ctx, tx, task); err != nil {
			return nil, err
		}

		if inst.RunState != types.RunStateRunning {
			inst.RunState = types.RunStateRunning
			inst.RunStartTime = &now
			if err := m.Instances.Save(ctx, tx, inst); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
}

// aliveWorkerSet resolves group's currently discovered endpoints into the
// set of keys a task's stored Worker JSON would match against.
func (m *Machine) aliveWorkerSet(ctx context.Context, group string) (map[string]bool, error) {
	workers, err := m.Discovery.Discover(ctx, group)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(workers))
	for _, w := range workers {
		set[w.Key()] = true
	}
	return set, nil
}

// ReconcileStale is the scanner-facing operation behind the
// WaitingInstanceScanner and the derivation half of the
// RunningInstanceScanner: it reloads instanceID's current tasks and either
// finalizes the instance (if every task already reached a terminal state
// without the caller having noticed) or re-dispatches whichever WAITING
// tasks are not pinned to a worker the discovery service still considers
// alive.
func (m *Machine) ReconcileStale(ctx context.Context, instanceID, wnstanceID int64) (Effect, error) {
	return m.withInstanceLock(ctx, instanceID, wnstanceID, func(tx *sql.Tx, inst *types.Instance) (Effect, error) {
		if inst.RunState.IsTerminal() {
			return nil, nil
		}
		tasks, err := m.Tasks.ListByInstance(ctx, tx, inst.InstanceID)
		if err != nil {
			return nil, err
		}
		job, err := m.Jobs.Get(ctx, inst.JobID)
		if err != nil {
			return nil, err
		}

		allTerminal := true
		var redispatch []*types.Task
		for _, t := range tasks {
			if t.ExecuteState.IsTerminal() {
				continue
			}
			allTerminal = false
			if t.ExecuteState == types.ExecuteWaiting {
				redispatch = append(redispatch, t)
			}
		}

		if allTerminal {
			return m.finalizeFromDerivation(ctx, tx, job, inst, tasks, false)
		}
		if len(redispatch) == 0 {
			return nil, nil
		}

		alive, err := m.aliveWorkerSet(ctx, job.Group)
		if err != nil {
			return nil, err
		}
		var due []*types.Task
		for _, t := range redispatch {
			if t.Worker == "" {
				due = append(due, t)
				continue
			}
			var ep types.ServerEndpoint
			if err := json.Unmarshal([]byte(t.Worker), &ep); err != nil || !alive[ep.Key()] {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			return nil, nil
		}
		return func(ctx context.Context) {
			m.Dispatch.Dispatch(ctx, job, inst, due)
		}, nil
	})
}

// ReconcileRunning is the RunningInstanceScanner's operation on a stale
// RUNNING instance, covering its three sub-cases in order: (a) WAITING
// tasks not held by a live worker (unassigned, or pinned to a dead one)
// are re-dispatched; else (b) an instance
// whose tasks are all terminal is finalized via derivation; else (c) an
// instance with no EXECUTING task left on a live worker can never report
// back on its own, so it is forced through PURGE.
func (m *Machine) ReconcileRunning(ctx context.Context, instanceID, wnstanceID int64) (Effect, error) {
	effect, err := m.withInstanceLock(ctx, instanceID, wnstanceID, func(tx *sql.Tx, inst *types.Instance) (Effect, error) {
		if inst.RunState.IsTerminal() {
			return nil, nil
		}
		tasks, err := m.Tasks.ListByInstance(ctx, tx, inst.InstanceID)
		if err != nil {
			return nil, err
		}
		job, err := m.Jobs.Get(ctx, inst.JobID)
		if err != nil {
			return nil, err
		}
		alive, err := m.aliveWorkerSet(ctx, job.Group)
		if err != nil {
			return nil, err
		}

		allTerminal := true
		var staleWaiting []*types.Task
		anyAliveExecuting := false
		for _, t := range tasks {
			if t.ExecuteState.IsTerminal() {
				continue
			}
			allTerminal = false
			switch t.ExecuteState {
			case types.ExecuteWaiting:
				if !workerAlive(t.Worker, alive) {
					staleWaiting = append(staleWaiting, t)
				}
			case types.ExecuteExecuting:
				if workerAlive(t.Worker, alive) {
					anyAliveExecuting = true
				}
			}
		}

		if len(staleWaiting) > 0 {
			return func(ctx context.Context) {
				m.Dispatch.Dispatch(ctx, job, inst, staleWaiting)
			}, nil
		}
		if allTerminal {
			return m.finalizeFromDerivation(ctx, tx, job, inst, tasks, false)
		}
		if !anyAliveExecuting {
			return nil, chronoerr.New(chronoerr.KindTransient, "statemachine.ReconcileRunning", errPurgeNeeded)
		}
		return nil, nil
	})
	if err != nil && errors.Is(err, errPurgeNeeded) {
		return m.Purge(ctx, instanceID)
	}
	return effect, err
}

var errPurgeNeeded = errors.New("statemachine: instance has no live executing task, needs purge")

func workerAlive(workerJSON string, alive map[string]bool) bool {
	if workerJSON == "" {
		return false
	}
	var ep types.ServerEndpoint
	if err := json.Unmarshal([]byte(workerJSON), &ep); err != nil {
		return false
	}
	return alive[ep.Key()]
}

// TerminateTask implements TERMINATE_TASK: a worker reports a task's
// final outcome. The task is CASed to toState and the instance's
// run-state is recomputed from the full task set via finalizeFromDerivation.
func (m *Machine) TerminateTask(ctx context.Context, taskID int64, wnstanceID int64, toState types.ExecuteState, snapshot, errorMsg string) (Effect, error) {
	tx, err := m.Store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	task, err := m.Tasks.Get(ctx, tx, taskID)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	instanceID := task.InstanceID
	_ = tx.Rollback()

	return m.withInstanceLock(ctx, instanceID, wnstanceID, func(tx *sql.Tx, inst *types.Instance) (Effect, error) {
		task, err := m.Tasks.Get(ctx, tx, taskID)
		if err != nil {
			return nil, err
		}
		if task.ExecuteState.IsTerminal() {
			return nil, nil // already finalized, duplicate report
		}

		now := nowMillis()
		task.ExecuteState = toState
		task.ExecuteEndTime = &now
		task.ErrorMsg = errorMsg
		if snapshot != "" {
			task.ExecuteSnapshot = []byte(snapshot)
		}
		if err := m.Tasks.Save(ctx, tx, task); err != nil {
			return nil, err
		}

		tasks, err := m.Tasks.ListByInstance(ctx, tx, inst.InstanceID)
		if err != nil {
			return nil, err
		}
		job, err := m.Jobs.Get(ctx, inst.JobID)
		if err != nil {
			return nil, err
		}
		return m.finalizeFromDerivation(ctx, tx, job, inst, tasks, false)
	})
}
