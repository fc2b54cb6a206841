package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/chrono/pkg/types"
)

// JobStore persists Job definitions.
type JobStore struct{ s *Store }

func NewJobStore(s *Store) *JobStore { return &JobStore{s: s} }

func (js *JobStore) Create(ctx context.Context, job *types.Job) error {
	now := time.Now()
	job.CreatedAt, job.UpdatedAt = now, now
	_, err := js.s.Exec(ctx, nil, `
		INSERT INTO sched_job (
			job_id, group_name, job_type, job_state, trigger_type, trigger_value,
			route_strategy, retry_type, retry_count, retry_interval, collision_strategy,
			executor_text, job_param, next_trigger_time, last_trigger_time,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.Group, job.JobType, job.JobState, job.TriggerType, job.TriggerValue,
		job.RouteStrategy, job.RetryType, job.RetryCount, job.RetryInterval, job.CollisionStrategy,
		job.ExecutorText, string(job.JobParam), job.NextTriggerTime, job.LastTriggerTime,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return classify("JobStore.Create", err)
	}
	return nil
}

func (js *JobStore) Get(ctx context.Context, jobID int64) (*types.Job, error) {
	row := js.s.QueryRow(ctx, nil, jobQueryColumns+` WHERE job_id = ?`, jobID)
	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound()
	}
	if err != nil {
		return nil, classify("JobStore.Get", err)
	}
	return job, nil
}

const jobQueryColumns = `
	SELECT job_id, group_name, job_type, job_state, trigger_type, trigger_value,
	       route_strategy, retry_type, retry_count, retry_interval, collision_strategy,
	       executor_text, job_param, next_trigger_time, last_trigger_time,
	       created_at, updated_at
	FROM sched_job`

func scanJob(scan func(dest ...interface{}) error) (*types.Job, error) {
	var j types.Job
	var jobParam sql.NullString
	var next, last sql.NullInt64
	if err := scan(
		&j.JobID, &j.Group, &j.JobType, &j.JobState, &j.TriggerType, &j.TriggerValue,
		&j.RouteStrategy, &j.RetryType, &j.RetryCount, &j.RetryInterval, &j.CollisionStrategy,
		&j.ExecutorText, &jobParam, &next, &last,
		&j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if jobParam.Valid {
		j.JobParam = json.RawMessage(jobParam.String)
	}
	if next.Valid {
		j.NextTriggerTime = &next.Int64
	}
	if last.Valid {
		j.LastTriggerTime = &last.Int64
	}
	return &j, nil
}

// ListTriggerable returns enabled jobs whose next_trigger_time is due by
// beforeMillis, ordered oldest-due-first. This is the query the
// TriggeringJobScanner sweeps.
func (js *JobStore) ListTriggerable(ctx context.Context, beforeMillis int64, limit int) ([]*types.Job, error) {
	rows, err := js.s.Query(ctx, nil, jobQueryColumns+`
		WHERE job_state = ? AND next_trigger_time IS NOT NULL AND next_trigger_time <= ?
		ORDER BY next_trigger_time ASC LIMIT ?`,
		types.JobEnable, beforeMillis, limit)
	if err != nil {
		return nil, classify("JobStore.ListTriggerable", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, classify("JobStore.ListTriggerable", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateTriggerTimes advances a job's last/next trigger time after the
// TriggeringJobScanner fires it, guarded by an optimistic check on the
// previous next_trigger_time to avoid double-firing under concurrent
// sweeps on separate Supervisors that briefly both believed they held the
// cluster lock.
func (js *JobStore) UpdateTriggerTimes(ctx context.Context, jobID int64, prevNext int64, newLast int64, newNext *int64) error {
	res, err := js.s.Exec(ctx, nil, `
		UPDATE sched_job SET last_trigger_time = ?, next_trigger_time = ?, updated_at = ?
		WHERE job_id = ? AND next_trigger_time = ?`,
		newLast, newNext, time.Now(), jobID, prevNext)
	if err != nil {
		return classify("JobStore.UpdateTriggerTimes", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %d trigger time changed concurrently", jobID)
	}
	return nil
}

func (js *JobStore) SetState(ctx context.Context, jobID int64, state types.JobState) error {
	_, err := js.s.Exec(ctx, nil, `UPDATE sched_job SET job_state = ?, updated_at = ? WHERE job_id = ?`,
		state, time.Now(), jobID)
	return classify("JobStore.SetState", err)
}

func (js *JobStore) Delete(ctx context.Context, jobID int64) error {
	_, err := js.s.Exec(ctx, nil, `DELETE FROM sched_job WHERE job_id = ?`, jobID)
	return classify("JobStore.Delete", err)
}
