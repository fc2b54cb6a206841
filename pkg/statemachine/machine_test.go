package statemachine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/chrono/pkg/idgen"
	"github.com/cuemby/chrono/pkg/registry"
	"github.com/cuemby/chrono/pkg/store"
	"github.com/cuemby/chrono/pkg/types"
)

// fakeDispatcher records every Dispatch/SendControl call instead of
// issuing a real RPC, so tests can assert on what the state machine
// decided to dispatch without a worker.
type fakeDispatcher struct {
	mu        sync.Mutex
	dispatched []dispatchCall
	controls   []controlCall
}

type dispatchCall struct {
	Job   *types.Job
	Inst  *types.Instance
	Tasks []*types.Task
}

type controlCall struct {
	Task *types.Task
	Op   types.Operation
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, job *types.Job, inst *types.Instance, tasks []*types.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, dispatchCall{Job: job, Inst: inst, Tasks: tasks})
}

func (f *fakeDispatcher) SendControl(ctx context.Context, task *types.Task, op types.Operation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, controlCall{Task: task, Op: op})
}

func newTestMachine(t *testing.T) (*Machine, *fakeDispatcher) {
	t.Helper()
	s, err := store.Open("sqlite3", "file:"+t.Name()+"?mode=memory&cache=shared&_txlock=immediate")
	require.NoError(t, err)
	t.Cleanup(func() { s.DB.Close() })

	disc := registry.NewMemory()
	t.Cleanup(func() { disc.Close() })

	disp := &fakeDispatcher{}
	m := New(s, disc, disp, idgen.NewGenerator(1))
	return m, disp
}

func createTestJob(t *testing.T, m *Machine, jobID int64, opts ...func(*types.Job)) *types.Job {
	t.Helper()
	job := &types.Job{
		JobID: jobID, Group: "g1", JobType: types.JobTypeNormal, JobState: types.JobEnable,
		TriggerType: types.TriggerTypeOnce, TriggerValue: "0",
		RouteStrategy: types.RouteRoundRobin, CollisionStrategy: types.CollisionConcurrent,
		RetryType: types.RetryTypeNone, JobParam: json.RawMessage(`{"cmd":"echo hi"}`),
	}
	for _, o := range opts {
		o(job)
	}
	require.NoError(t, m.Jobs.Create(context.Background(), job))
	return job
}

func TestTriggerCreatesInstanceAndDispatches(t *testing.T) {
	m, disp := newTestMachine(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Second).UnixMilli()
	job := createTestJob(t, m, 1, func(j *types.Job) { j.NextTriggerTime = &past })

	effect, err := m.Trigger(ctx, job.JobID)
	require.NoError(t, err)
	require.NotNil(t, effect)
	effect(ctx)

	require.Len(t, disp.dispatched, 1)
	require.Equal(t, types.RunStateWaiting, disp.dispatched[0].Inst.RunState)
	require.Len(t, disp.dispatched[0].Tasks, 1)
}

func TestHappyPathStartThenComplete(t *testing.T) {
	m, disp := newTestMachine(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Second).UnixMilli()
	job := createTestJob(t, m, 2, func(j *types.Job) { j.NextTriggerTime = &past })

	effect, err := m.Trigger(ctx, job.JobID)
	require.NoError(t, err)
	effect(ctx)
	require.Len(t, disp.dispatched, 1)
	inst := disp.dispatched[0].Inst
	task := disp.dispatched[0].Tasks[0]

	worker := types.ServerEndpoint{Host: "10.0.0.1", Port: 9000, Role: types.RoleWorker, Group: "g1"}
	startEffect, err := m.StartTask(ctx, task.TaskID, inst.WnstanceID, worker)
	require.NoError(t, err)
	require.NotNil(t, startEffect)

	got, err := m.Instances.Get(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.Equal(t, types.RunStateRunning, got.RunState)

	termEffect, err := m.TerminateTask(ctx, task.TaskID, inst.WnstanceID, types.ExecuteCompleted, "", "")
	require.NoError(t, err)
	require.NotNil(t, termEffect)
	termEffect(ctx)

	final, err := m.Instances.Get(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.Equal(t, types.RunStateFinished, final.RunState)
}

func TestFailureWithRetryCascadesToNewInstance(t *testing.T) {
	m, disp := newTestMachine(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Second).UnixMilli()
	job := createTestJob(t, m, 3, func(j *types.Job) {
		j.NextTriggerTime = &past
		j.RetryType = types.RetryTypeAll
		j.RetryCount = 2
		j.RetryInterval = 1
	})

	effect, err := m.Trigger(ctx, job.JobID)
	require.NoError(t, err)
	effect(ctx)
	require.Len(t, disp.dispatched, 1)
	inst := disp.dispatched[0].Inst
	task := disp.dispatched[0].Tasks[0]

	worker := types.ServerEndpoint{Host: "10.0.0.1", Port: 9000, Role: types.RoleWorker, Group: "g1"}
	_, err = m.StartTask(ctx, task.TaskID, 0, worker)
	require.NoError(t, err)

	termEffect, err := m.TerminateTask(ctx, task.TaskID, 0, types.ExecuteFailed, "", "worker died mid-execution")
	require.NoError(t, err)
	require.NotNil(t, termEffect)
	termEffect(ctx)

	canceled, err := m.Instances.Get(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.Equal(t, types.RunStateCanceled, canceled.RunState)
	require.Equal(t, 0, canceled.RetriedCount) // the original instance's own counter never changes

	require.Len(t, disp.dispatched, 2)
	retried := disp.dispatched[1].Inst
	require.Equal(t, types.RunTypeRetry, retried.RunType)
	require.Equal(t, inst.InstanceID, retried.PnstanceID)
	require.Equal(t, inst.RnstanceID, retried.RnstanceID)
	require.Equal(t, 1, retried.RetriedCount)
}

func TestPauseDuringExecutingThenCancel(t *testing.T) {
	m, disp := newTestMachine(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Second).UnixMilli()
	job := createTestJob(t, m, 4, func(j *types.Job) {
		j.NextTriggerTime = &past
		j.JobParam = json.RawMessage(`[{"cmd":"a"},{"cmd":"b"}]`)
	})

	effect, err := m.Trigger(ctx, job.JobID)
	require.NoError(t, err)
	effect(ctx)
	inst := disp.dispatched[0].Inst
	tasks := disp.dispatched[0].Tasks
	require.Len(t, tasks, 2)

	worker := types.ServerEndpoint{Host: "10.0.0.1", Port: 9000, Role: types.RoleWorker, Group: "g1"}
	_, err = m.StartTask(ctx, tasks[0].TaskID, 0, worker)
	require.NoError(t, err)

	pauseEffect, err := m.Pause(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.NotNil(t, pauseEffect)
	pauseEffect(ctx)
	require.Len(t, disp.controls, 1)
	require.Equal(t, types.OpPause, disp.controls[0].Op)

	paused, err := m.Instances.Get(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.Equal(t, types.RunStateRunning, paused.RunState) // task 0 is still EXECUTING

	cancelEffect, err := m.Cancel(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.NotNil(t, cancelEffect)
	cancelEffect(ctx)

	canceled, err := m.Instances.Get(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.Equal(t, types.RunStateCanceled, canceled.RunState)
}

func TestDependencyCascadeFiresChildJob(t *testing.T) {
	m, disp := newTestMachine(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Second).UnixMilli()
	parent := createTestJob(t, m, 5, func(j *types.Job) { j.NextTriggerTime = &past })
	child := createTestJob(t, m, 6, func(j *types.Job) { j.TriggerType = types.TriggerTypeDepend })

	require.NoError(t, m.Depends.Create(ctx, &types.DependEdge{ParentJobID: parent.JobID, ChildJobID: child.JobID, Sequence: 0}))

	effect, err := m.Trigger(ctx, parent.JobID)
	require.NoError(t, err)
	effect(ctx)
	parentInst := disp.dispatched[0].Inst
	parentTask := disp.dispatched[0].Tasks[0]

	_, err = m.StartTask(ctx, parentTask.TaskID, 0, types.ServerEndpoint{Host: "10.0.0.1", Port: 9000, Role: types.RoleWorker, Group: "g1"})
	require.NoError(t, err)
	termEffect, err := m.TerminateTask(ctx, parentTask.TaskID, 0, types.ExecuteCompleted, "", "")
	require.NoError(t, err)
	termEffect(ctx)

	require.Len(t, disp.dispatched, 2)
	require.Equal(t, child.JobID, disp.dispatched[1].Job.JobID)
	require.Equal(t, types.RunTypeDepend, disp.dispatched[1].Inst.RunType)
	require.Equal(t, parentInst.InstanceID, disp.dispatched[1].Inst.PnstanceID)
}

func TestWorkflowBranchMergeWithFailureCancelsDownstream(t *testing.T) {
	m, disp := newTestMachine(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Second).UnixMilli()
	job := createTestJob(t, m, 7, func(j *types.Job) {
		j.NextTriggerTime = &past
		j.JobType = types.JobTypeWorkflow
		j.TriggerValue = "START->A,A->B,A->C,B->END,C->END"
	})

	effect, err := m.Trigger(ctx, job.JobID)
	require.NoError(t, err)
	require.NotNil(t, effect)
	effect(ctx)
	require.Len(t, disp.dispatched, 1) // only node A runs first
	nodeA := disp.dispatched[0]
	require.Equal(t, "A", nodeA.Inst.Attach.CurNode)

	worker := types.ServerEndpoint{Host: "10.0.0.1", Port: 9000, Role: types.RoleWorker, Group: "g1"}
	_, err = m.StartTask(ctx, nodeA.Tasks[0].TaskID, nodeA.Inst.WnstanceID, worker)
	require.NoError(t, err)
	termEffect, err := m.TerminateTask(ctx, nodeA.Tasks[0].TaskID, nodeA.Inst.WnstanceID, types.ExecuteFailed, "", "boom")
	require.NoError(t, err)
	require.NotNil(t, termEffect)
	termEffect(ctx)

	// A failed: B and C never get created, and the lead instance finalizes CANCELED.
	require.Len(t, disp.dispatched, 1)
	lead, err := m.Instances.Get(ctx, nodeA.Inst.WnstanceID)
	require.NoError(t, err)
	require.Equal(t, types.RunStateCanceled, lead.RunState)

	edges, err := m.Workflows.ListByWorkflowInstance(ctx, nil, nodeA.Inst.WnstanceID)
	require.NoError(t, err)
	for _, e := range edges {
		if e.TargetNode == "B" || e.TargetNode == "C" {
			require.Equal(t, types.RunStateCanceled, e.RunState)
		}
	}
}

func TestBroadcastRetryAfterPartialFailureRetriesAliveWorker(t *testing.T) {
	m, disp := newTestMachine(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Second).UnixMilli()

	aliveWorker := types.ServerEndpoint{Host: "10.0.0.1", Port: 9000, Role: types.RoleWorker, Group: "g1"}
	require.NoError(t, m.Discovery.(*registry.Memory).Register(ctx, aliveWorker, time.Hour))

	job := createTestJob(t, m, 8, func(j *types.Job) {
		j.NextTriggerTime = &past
		j.JobType = types.JobTypeBroadcast
		j.RetryType = types.RetryTypeFailed
		j.RetryCount = 1
		j.RetryInterval = 1
	})

	effect, err := m.Trigger(ctx, job.JobID)
	require.NoError(t, err)
	effect(ctx)
	require.Len(t, disp.dispatched, 1)
	inst := disp.dispatched[0].Inst
	tasks := disp.dispatched[0].Tasks
	require.Len(t, tasks, 1) // only one worker registered

	_, err = m.StartTask(ctx, tasks[0].TaskID, 0, aliveWorker)
	require.NoError(t, err)
	termEffect, err := m.TerminateTask(ctx, tasks[0].TaskID, 0, types.ExecuteFailed, "", "crashed")
	require.NoError(t, err)
	require.NotNil(t, termEffect)
	termEffect(ctx)

	canceled, err := m.Instances.Get(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.Equal(t, types.RunStateCanceled, canceled.RunState)
	require.Len(t, disp.dispatched, 2) // the alive worker's failed task is retried

	require.NoError(t, m.Discovery.(*registry.Memory).Deregister(ctx, aliveWorker))
}
