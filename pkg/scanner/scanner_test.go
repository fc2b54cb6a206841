package scanner

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
	"github.com/cuemby/chrono/pkg/statemachine"
	"github.com/cuemby/chrono/pkg/store"
	"github.com/cuemby/chrono/pkg/types"
)

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched int
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, job *types.Job, inst *types.Instance, tasks []*types.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched++
}
func (f *fakeDispatcher) SendControl(ctx context.Context, task *types.Task, op types.Operation) {}

type fakeLock struct{ leader bool }

func (f fakeLock) IsLeader() bool { return f.leader }

func newTestMachine(t *testing.T) (*statemachine.Machine, *store.Store, *fakeDispatcher) {
	t.Helper()
	s, err := store.Open("sqlite3", "file:"+t.Name()+"?mode=memory&cache=shared&_txlock=immediate")
	require.NoError(t, err)
	t.Cleanup(func() { s.DB.Close() })

	disc := registry.NewMemory()
	t.Cleanup(func() { disc.Close() })

	disp := &fakeDispatcher{}
	m := statemachine.New(s, disc, disp, idgen.NewGenerator(1))
	return m, s, disp
}

func createTestJob(t *testing.T, m *statemachine.Machine, jobID int64, opts ...func(*types.Job)) *types.Job {
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

func TestRunLoopSkipsSweepWhenNotLeader(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	var swept int
	done := make(chan struct{})
	go func() {
		run(ctx, "test", 5*time.Millisecond, fakeLock{leader: false}, func(ctx context.Context) (bool, error) {
			swept++
			return true, nil
		})
		close(done)
	}()
	<-done
	require.Equal(t, 0, swept)
}

func TestTriggeringJobScannerFiresDueJob(t *testing.T) {
	m, _, disp := newTestMachine(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Second).UnixMilli()
	createTestJob(t, m, 1, func(j *types.Job) { j.NextTriggerTime = &past })

	s := NewTriggeringJobScanner(m.Jobs, m)
	idle, err := s.sweep(ctx)
	require.NoError(t, err)
	require.True(t, idle)

	disp.mu.Lock()
	defer disp.mu.Unlock()
	require.Equal(t, 1, disp.dispatched)
}

func TestWaitingInstanceScannerFinalizesStuckInstance(t *testing.T) {
	m, s, _ := newTestMachine(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Second).UnixMilli()
	job := createTestJob(t, m, 2, func(j *types.Job) { j.NextTriggerTime = &past })

	effect, err := m.Trigger(ctx, job.JobID)
	require.NoError(t, err)
	require.NotNil(t, effect)
	effect(ctx)

	insts, err := m.Instances.ListWaiting(ctx, time.Now().Add(time.Minute).UnixMilli(), 10)
	require.NoError(t, err)
	require.Len(t, insts, 1)
	inst := insts[0]

	// Mark the task terminal directly, bypassing TerminateTask, to simulate
	// a worker report that never made it back to finalize the instance.
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	tasks, err := m.Tasks.ListByInstance(ctx, tx, inst.InstanceID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	tasks[0].ExecuteState = types.ExecuteCompleted
	require.NoError(t, m.Tasks.Save(ctx, tx, tasks[0]))
	require.NoError(t, tx.Commit())

	scanner := NewWaitingInstanceScanner(m.Instances, m)
	scanner.Threshold = -time.Hour // force the instance to count as stale
	idle, err := scanner.sweep(ctx)
	require.NoError(t, err)
	require.True(t, idle)

	reconciled, err := m.Instances.Get(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.Equal(t, types.RunStateFinished, reconciled.RunState)
}

func TestRunningInstanceScannerPurgesInstanceWithNoLiveWorker(t *testing.T) {
	m, s, _ := newTestMachine(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Second).UnixMilli()
	job := createTestJob(t, m, 3, func(j *types.Job) { j.NextTriggerTime = &past })

	effect, err := m.Trigger(ctx, job.JobID)
	require.NoError(t, err)
	effect(ctx)

	insts, err := m.Instances.ListWaiting(ctx, time.Now().Add(time.Minute).UnixMilli(), 10)
	require.NoError(t, err)
	require.Len(t, insts, 1)
	inst := insts[0]

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	tasks, err := m.Tasks.ListByInstance(ctx, tx, inst.InstanceID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	dead := types.ServerEndpoint{Host: "10.0.0.9", Port: 9999, Role: types.RoleWorker, Group: "g1"}
	wb, _ := json.Marshal(dead)
	tasks[0].ExecuteState = types.ExecuteExecuting
	tasks[0].Worker = string(wb)
	require.NoError(t, m.Tasks.Save(ctx, tx, tasks[0]))

	inst.RunState = types.RunStateRunning
	require.NoError(t, m.Instances.Save(ctx, tx, inst))
	require.NoError(t, tx.Commit())

	scanner := NewRunningInstanceScanner(m.Instances, m)
	scanner.Threshold = -time.Hour

	idle, err := scanner.sweep(ctx)
	require.NoError(t, err)
	require.True(t, idle)

	purged, err := m.Instances.Get(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.Equal(t, types.RunStateCanceled, purged.RunState)
}
