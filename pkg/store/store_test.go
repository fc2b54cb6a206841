package store

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/chrono/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite3", "file:"+t.Name()+"?mode=memory&cache=shared&_txlock=immediate")
	require.NoError(t, err)
	t.Cleanup(func() { s.DB.Close() })
	return s
}

func TestJobStoreCreateAndListTriggerable(t *testing.T) {
	s := newTestStore(t)
	js := NewJobStore(s)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute).UnixMilli()
	future := time.Now().Add(time.Hour).UnixMilli()

	due := &types.Job{JobID: 1, Group: "g1", JobType: types.JobTypeNormal, JobState: types.JobEnable,
		TriggerType: types.TriggerTypeCron, TriggerValue: "*/5 * * * *",
		RouteStrategy: types.RouteRoundRobin, CollisionStrategy: types.CollisionConcurrent,
		NextTriggerTime: &past}
	notDue := &types.Job{JobID: 2, Group: "g1", JobType: types.JobTypeNormal, JobState: types.JobEnable,
		TriggerType: types.TriggerTypeCron, TriggerValue: "0 0 * * *",
		RouteStrategy: types.RouteRoundRobin, CollisionStrategy: types.CollisionConcurrent,
		NextTriggerTime: &future}

	require.NoError(t, js.Create(ctx, due))
	require.NoError(t, js.Create(ctx, notDue))

	jobs, err := js.ListTriggerable(ctx, time.Now().UnixMilli(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, int64(1), jobs[0].JobID)
}

func TestInstanceStoreLockAndSaveCAS(t *testing.T) {
	s := newTestStore(t)
	is := NewInstanceStore(s)
	ctx := context.Background()

	inst := &types.Instance{InstanceID: 100, JobID: 1, RnstanceID: 100, RunType: types.RunTypeSchedule,
		TriggerTime: time.Now().UnixMilli(), RunState: types.RunStateWaiting}

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, is.Create(ctx, tx, inst))
	require.NoError(t, tx.Commit())

	tx2, err := s.BeginTx(ctx)
	require.NoError(t, err)
	locked, err := is.LockForUpdate(ctx, tx2, 100)
	require.NoError(t, err)
	require.Equal(t, types.RunStateWaiting, locked.RunState)

	locked.RunState = types.RunStateRunning
	require.NoError(t, is.Save(ctx, tx2, locked))
	require.NoError(t, tx2.Commit())

	got, err := is.Get(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, types.RunStateRunning, got.RunState)
	require.Equal(t, int64(1), got.Version)
}

func TestInstanceStoreSaveConflictOnStaleVersion(t *testing.T) {
	s := newTestStore(t)
	is := NewInstanceStore(s)
	ctx := context.Background()

	inst := &types.Instance{InstanceID: 200, JobID: 1, RnstanceID: 200, RunType: types.RunTypeSchedule,
		TriggerTime: time.Now().UnixMilli(), RunState: types.RunStateWaiting}
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, is.Create(ctx, tx, inst))
	require.NoError(t, tx.Commit())

	stale, err := is.Get(ctx, 200)
	require.NoError(t, err)

	tx2, err := s.BeginTx(ctx)
	require.NoError(t, err)
	stale.Version = 99 // force a version mismatch
	err = is.Save(ctx, tx2, stale)
	require.ErrorIs(t, err, ErrConcurrencyConflict())
	_ = tx2.Rollback()
}
