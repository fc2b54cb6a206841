package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/chrono/pkg/types"
)

// These exercise InstanceStore.Save's CAS failure path against a scripted
// driver instead of a live database, the same way the pack's other
// sqlmock suites pin down one query's exact shape and one specific error
// outcome without standing up sqlite or postgres.

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db, Dialect: DialectSQLite}, mock
}

func TestInstanceStoreSaveConcurrencyConflict(t *testing.T) {
	s, mock := newMockStore(t)
	is := NewInstanceStore(s)

	inst := &types.Instance{InstanceID: 42, RunState: types.RunStateRunning, Version: 3}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE sched_instance SET`).
		WithArgs(inst.RunState, inst.RunStartTime, inst.RunEndTime, inst.RetriedCount,
			sqlmock.AnyArg(), sqlmock.AnyArg(), inst.InstanceID, inst.Version).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := s.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)

	err = is.Save(context.Background(), tx, inst)
	require.Error(t, err)
	require.ErrorIs(t, err, errConcurrencyConflict)

	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstanceStoreSaveSuccessBumpsVersion(t *testing.T) {
	s, mock := newMockStore(t)
	is := NewInstanceStore(s)

	inst := &types.Instance{InstanceID: 7, RunState: types.RunStateFinished, Version: 1}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE sched_instance SET`).
		WithArgs(inst.RunState, inst.RunStartTime, inst.RunEndTime, inst.RetriedCount,
			sqlmock.AnyArg(), sqlmock.AnyArg(), inst.InstanceID, inst.Version).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := s.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)

	require.NoError(t, is.Save(context.Background(), tx, inst))
	require.Equal(t, int64(2), inst.Version)

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}
