package statemachine

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/cuemby/chrono/pkg/store"
	"github.com/cuemby/chrono/pkg/types"
)

// retryCascade implements §4.1's retry cascade: when a CANCELED instance's
// job still has retries available, it clones tasks per retryType, links
// the clone into the RETRY chain, and schedules it for a later trigger
// time. For a BROADCAST job retried with retryType=FAILED where every
// failed task's worker has since died, zero tasks survive the clone and
// the retry is abandoned (the instance simply stays CANCELED).
func (m *Machine) retryCascade(ctx context.Context, tx *sql.Tx, job *types.Job, prev *types.Instance) (Effect, error) {
	if job.RetryType == types.RetryTypeNone || prev.RetriedCount >= job.RetryCount {
		return nil, nil
	}

	tasks, err := m.Tasks.ListByInstance(ctx, tx, prev.InstanceID)
	if err != nil {
		return nil, err
	}

	var cloneParams []json.RawMessage
	var pinnedWorkers []string
	switch job.RetryType {
	case types.RetryTypeAll:
		cloneParams, err = splitTaskParams(job.JobParam)
		if err != nil {
			return nil, err
		}
	case types.RetryTypeFailed:
		alive, err := m.aliveWorkerSet(ctx, job.Group)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			if !t.ExecuteState.IsFailure() {
				continue
			}
			if t.Worker != "" && job.JobType == types.JobTypeBroadcast && !workerAlive(t.Worker, alive) {
				continue // dead broadcast worker: this task's retry is abandoned
			}
			cloneParams = append(cloneParams, t.TaskParam)
			pinnedWorkers = append(pinnedWorkers, t.Worker)
		}
	}

	if len(cloneParams) == 0 {
		return nil, nil
	}

	retryInterval := int64(job.RetryInterval) * 1000
	nextTrigger := nowMillis() + retryInterval*backoffFactor(prev.RetriedCount)

	newInstanceID := m.IDs.Next()
	newInst := &types.Instance{
		InstanceID: newInstanceID, JobID: job.JobID, RnstanceID: prev.RnstanceID, PnstanceID: prev.InstanceID,
		WnstanceID: prev.WnstanceID, RunType: types.RunTypeRetry, TriggerTime: nextTrigger,
		RunState: types.RunStateWaiting, RetriedCount: prev.RetriedCount + 1,
	}
	if err := m.Instances.Create(ctx, tx, newInst); err != nil {
		return nil, err
	}

	newTasks := make([]*types.Task, 0, len(cloneParams))
	for i, p := range cloneParams {
		t := &types.Task{
			TaskID: m.IDs.Next(), InstanceID: newInstanceID, TaskNo: i + 1, TaskCount: len(cloneParams),
			TaskParam: p, ExecuteState: types.ExecuteWaiting,
		}
		if i < len(pinnedWorkers) {
			t.Worker = pinnedWorkers[i]
		}
		if err := m.Tasks.Create(ctx, tx, t); err != nil {
			return nil, err
		}
		newTasks = append(newTasks, t)
	}

	if prev.WnstanceID != 0 {
		if err := m.Workflows.SetEdgeState(ctx, tx, prev.WnstanceID, prev.Attach.CurNode, types.RunStateWaiting, newInstanceID); err != nil {
			return nil, err
		}
	}

	return func(ctx context.Context) {
		m.Dispatch.Dispatch(ctx, job, newInst, newTasks)
	}, nil
}

// backoffFactor scales the retry interval by the attempt number, giving a
// simple linear backoff across successive retries of the same instance
// chain.
func backoffFactor(retriedCount int) int64 {
	return int64(retriedCount + 1)
}

// dependencyCascade implements §4.1's dependency cascade: every enabled
// child job of a FINISHED, non-workflow instance's job gets a fresh
// DEPEND-type instance, staggered by the dependency edge's sequence to
// avoid colliding on (jobId, triggerTime, runType).
func (m *Machine) dependencyCascade(ctx context.Context, tx *sql.Tx, job *types.Job, finished *types.Instance) (Effect, error) {
	children, err := m.Depends.ListChildren(ctx, job.JobID)
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return nil, nil
	}

	var groups []dispatchGroup
	for _, dep := range children {
		childJob, err := m.Jobs.Get(ctx, dep.ChildJobID)
		if err != nil {
			if err == store.ErrNotFound() {
				continue
			}
			return nil, err
		}
		if childJob.JobState != types.JobEnable {
			continue
		}

		triggerTime := nowMillis() + int64(dep.Sequence)
		nc, err := m.create(ctx, childJob, types.RunTypeDepend, triggerTime, finished.RnstanceID, finished.InstanceID)
		if err != nil {
			return nil, err
		}
		tasks, err := m.persist(ctx, tx, childJob, nc)
		if err != nil {
			return nil, err
		}
		groups = append(groups, dispatchGroup{Instance: nc.Instance, Tasks: tasks})
	}

	if len(groups) == 0 {
		return nil, nil
	}
	return func(ctx context.Context) {
		for _, g := range groups {
			childJob, err := m.Jobs.Get(ctx, g.Instance.JobID)
			if err != nil {
				continue
			}
			m.Dispatch.Dispatch(ctx, childJob, g.Instance, g.Tasks)
		}
	}, nil
}
