package statemachine

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/cuemby/chrono/pkg/chronoerr"
	"github.com/cuemby/chrono/pkg/types"
)

// created is what a creator variant produces for one TRIGGER: the
// instance itself, its tasks, and (for workflow jobs) the DAG edges.
type created struct {
	Instance *types.Instance
	Tasks    []*types.Task
	Edges    []*types.WorkflowEdge
}

// splitTaskParams fans a job's jobParam out into N task payloads. The
// embedded split expression parser is an external collaborator; this
// default splitter treats jobParam as either a JSON array (one task per
// element) or, if not an array, a single task carrying the whole payload.
func splitTaskParams(jobParam json.RawMessage) ([]json.RawMessage, error) {
	if len(jobParam) == 0 {
		return []json.RawMessage{nil}, nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(jobParam, &arr); err == nil {
		if len(arr) == 0 {
			return []json.RawMessage{nil}, nil
		}
		return arr, nil
	}
	return []json.RawMessage{jobParam}, nil
}

// create dispatches to the tagged variant matching job.JobType, per the
// specification's "tagged variant, not inheritance" design note.
func (m *Machine) create(ctx context.Context, job *types.Job, runType types.RunType, triggerTime int64, rnstanceID, pnstanceID int64) (*created, error) {
	switch job.JobType {
	case types.JobTypeBroadcast:
		return m.createBroadcast(ctx, job, runType, triggerTime, rnstanceID, pnstanceID)
	case types.JobTypeWorkflow:
		return m.createWorkflow(ctx, job, runType, triggerTime, rnstanceID, pnstanceID)
	default:
		return m.createNormal(job, runType, triggerTime, rnstanceID, pnstanceID)
	}
}

func (m *Machine) createNormal(job *types.Job, runType types.RunType, triggerTime int64, rnstanceID, pnstanceID int64) (*created, error) {
	params, err := splitTaskParams(job.JobParam)
	if err != nil {
		return nil, chronoerr.New(chronoerr.KindInvalidConfig, "statemachine.createNormal", err)
	}

	instanceID := m.IDs.Next()
	inst := &types.Instance{
		InstanceID: instanceID, JobID: job.JobID, RnstanceID: orSelf(rnstanceID, instanceID),
		PnstanceID: pnstanceID, RunType: runType, TriggerTime: triggerTime, RunState: types.RunStateWaiting,
	}

	tasks := make([]*types.Task, 0, len(params))
	for i, p := range params {
		tasks = append(tasks, &types.Task{
			TaskID: m.IDs.Next(), InstanceID: instanceID, TaskNo: i + 1, TaskCount: len(params),
			TaskParam: p, ExecuteState: types.ExecuteWaiting,
		})
	}
	return &created{Instance: inst, Tasks: tasks}, nil
}

func (m *Machine) createBroadcast(ctx context.Context, job *types.Job, runType types.RunType, triggerTime int64, rnstanceID, pnstanceID int64) (*created, error) {
	workers, err := m.Discovery.Discover(ctx, job.Group)
	if err != nil {
		return nil, chronoerr.New(chronoerr.KindTransient, "statemachine.createBroadcast", err)
	}

	instanceID := m.IDs.Next()
	inst := &types.Instance{
		InstanceID: instanceID, JobID: job.JobID, RnstanceID: orSelf(rnstanceID, instanceID),
		PnstanceID: pnstanceID, RunType: runType, TriggerTime: triggerTime, RunState: types.RunStateWaiting,
	}

	tasks := make([]*types.Task, 0, len(workers))
	for i, w := range workers {
		tasks = append(tasks, &types.Task{
			TaskID: m.IDs.Next(), InstanceID: instanceID, TaskNo: i + 1, TaskCount: len(workers),
			TaskParam: job.JobParam, ExecuteState: types.ExecuteWaiting, Worker: w.String(),
		})
	}
	return &created{Instance: inst, Tasks: tasks}, nil
}

func (m *Machine) createWorkflow(ctx context.Context, job *types.Job, runType types.RunType, triggerTime int64, rnstanceID, pnstanceID int64) (*created, error) {
	edges, err := parseWorkflowGraph(job.TriggerValue)
	if err != nil {
		return nil, chronoerr.New(chronoerr.KindInvalidConfig, "statemachine.createWorkflow", err)
	}

	leadID := m.IDs.Next()
	lead := &types.Instance{
		InstanceID: leadID, JobID: job.JobID, RnstanceID: orSelf(rnstanceID, leadID), PnstanceID: pnstanceID,
		WnstanceID: 0, RunType: runType, TriggerTime: triggerTime, RunState: types.RunStateRunning,
	}

	for _, e := range edges {
		e.WnstanceID = leadID
	}

	return &created{Instance: lead, Edges: edges}, nil
}

// persist writes c's instance, tasks and edges inside tx, and for
// workflow jobs additionally creates node instances for every immediate
// successor of START.
func (m *Machine) persist(ctx context.Context, tx *sql.Tx, job *types.Job, c *created) ([]*types.Task, error) {
	if err := m.Instances.Create(ctx, tx, c.Instance); err != nil {
		return nil, err
	}
	for _, t := range c.Tasks {
		if err := m.Tasks.Create(ctx, tx, t); err != nil {
			return nil, err
		}
	}
	if len(c.Edges) == 0 {
		return c.Tasks, nil
	}

	if err := m.Workflows.CreateEdges(ctx, tx, c.Edges); err != nil {
		return nil, err
	}

	var allTasks []*types.Task
	successors := successorsOf(c.Edges, types.WorkflowStart)
	for _, node := range successors {
		nodeTasks, err := m.createWorkflowNode(ctx, tx, job, c.Instance, node)
		if err != nil {
			return nil, err
		}
		allTasks = append(allTasks, nodeTasks...)
	}
	return allTasks, nil
}

// createWorkflowNode creates and persists a node's instance and tasks
// (always a normal-style split; broadcast/nested-workflow nodes are not
// supported), then links the workflow edge's instanceId to it.
func (m *Machine) createWorkflowNode(ctx context.Context, tx *sql.Tx, job *types.Job, lead *types.Instance, node string) ([]*types.Task, error) {
	nc, err := m.createNormal(job, types.RunTypeSchedule, lead.TriggerTime, lead.RnstanceID, lead.InstanceID)
	if err != nil {
		return nil, err
	}
	nc.Instance.WnstanceID = lead.InstanceID
	nc.Instance.Attach.CurNode = node

	if err := m.Instances.Create(ctx, tx, nc.Instance); err != nil {
		return nil, err
	}
	for _, t := range nc.Tasks {
		if err := m.Tasks.Create(ctx, tx, t); err != nil {
			return nil, err
		}
	}
	if err := m.Workflows.SetEdgeState(ctx, tx, lead.InstanceID, node, types.RunStateWaiting, nc.Instance.InstanceID); err != nil {
		return nil, err
	}
	return nc.Tasks, nil
}

func orSelf(v, self int64) int64 {
	if v == 0 {
		return self
	}
	return v
}
