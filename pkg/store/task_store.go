package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cuemby/chrono/pkg/types"
)

// TaskStore persists Tasks.
type TaskStore struct{ s *Store }

func NewTaskStore(s *Store) *TaskStore { return &TaskStore{s: s} }

const taskQueryColumns = `
	SELECT task_id, instance_id, task_no, task_count, task_param, execute_state,
	       worker, execute_start_time, execute_end_time, execute_snapshot,
	       dispatch_failed_count, error_msg, created_at, updated_at
	FROM sched_task`

func scanTask(scan func(dest ...interface{}) error) (*types.Task, error) {
	var t types.Task
	var param, snapshot, worker, errMsg sql.NullString
	var start, end sql.NullInt64
	if err := scan(
		&t.TaskID, &t.InstanceID, &t.TaskNo, &t.TaskCount, &param, &t.ExecuteState,
		&worker, &start, &end, &snapshot,
		&t.DispatchFailedCount, &errMsg, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if param.Valid {
		t.TaskParam = json.RawMessage(param.String)
	}
	if snapshot.Valid {
		t.ExecuteSnapshot = json.RawMessage(snapshot.String)
	}
	if worker.Valid {
		t.Worker = worker.String
	}
	if errMsg.Valid {
		t.ErrorMsg = errMsg.String
	}
	if start.Valid {
		t.ExecuteStartTime = &start.Int64
	}
	if end.Valid {
		t.ExecuteEndTime = &end.Int64
	}
	return &t, nil
}

func (ts *TaskStore) Create(ctx context.Context, tx *sql.Tx, t *types.Task) error {
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := ts.s.Exec(ctx, tx, `
		INSERT INTO sched_task (
			task_id, instance_id, task_no, task_count, task_param, execute_state,
			worker, execute_start_time, execute_end_time, execute_snapshot,
			dispatch_failed_count, error_msg, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.InstanceID, t.TaskNo, t.TaskCount, string(t.TaskParam), t.ExecuteState,
		t.Worker, t.ExecuteStartTime, t.ExecuteEndTime, string(t.ExecuteSnapshot),
		t.DispatchFailedCount, t.ErrorMsg, t.CreatedAt, t.UpdatedAt)
	return classify("TaskStore.Create", err)
}

func (ts *TaskStore) Get(ctx context.Context, tx *sql.Tx, taskID int64) (*types.Task, error) {
	row := ts.s.QueryRow(ctx, tx, taskQueryColumns+` WHERE task_id = ?`, taskID)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound()
	}
	if err != nil {
		return nil, classify("TaskStore.Get", err)
	}
	return t, nil
}

func (ts *TaskStore) ListByInstance(ctx context.Context, tx *sql.Tx, instanceID int64) ([]*types.Task, error) {
	rows, err := ts.s.Query(ctx, tx, taskQueryColumns+` WHERE instance_id = ? ORDER BY task_no ASC`, instanceID)
	if err != nil {
		return nil, classify("TaskStore.ListByInstance", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, classify("TaskStore.ListByInstance", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Save updates everything about a task a worker report can change:
// execute state, timing, snapshot and error message.
func (ts *TaskStore) Save(ctx context.Context, tx *sql.Tx, t *types.Task) error {
	t.UpdatedAt = time.Now()
	_, err := ts.s.Exec(ctx, tx, `
		UPDATE sched_task SET
			execute_state = ?, worker = ?, execute_start_time = ?, execute_end_time = ?,
			execute_snapshot = ?, dispatch_failed_count = ?, error_msg = ?, updated_at = ?
		WHERE task_id = ?`,
		t.ExecuteState, t.Worker, t.ExecuteStartTime, t.ExecuteEndTime,
		string(t.ExecuteSnapshot), t.DispatchFailedCount, t.ErrorMsg, t.UpdatedAt, t.TaskID)
	return classify("TaskStore.Save", err)
}

// IncrDispatchFailed bumps a task's dispatch-failure counter, used by the
// dispatcher's retry loop to decide when to give up and mark the task
// DISPATCH_FAILED.
func (ts *TaskStore) IncrDispatchFailed(ctx context.Context, tx *sql.Tx, taskID int64) (int, error) {
	_, err := ts.s.Exec(ctx, tx, `UPDATE sched_task SET dispatch_failed_count = dispatch_failed_count + 1, updated_at = ? WHERE task_id = ?`,
		time.Now(), taskID)
	if err != nil {
		return 0, classify("TaskStore.IncrDispatchFailed", err)
	}
	row := ts.s.QueryRow(ctx, tx, `SELECT dispatch_failed_count FROM sched_task WHERE task_id = ?`, taskID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, classify("TaskStore.IncrDispatchFailed", err)
	}
	return n, nil
}
