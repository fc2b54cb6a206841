package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/chrono/pkg/types"
)

// InstanceStore persists Instances and implements the row-lock-plus-CAS
// pattern every state-machine operation relies on: LockForUpdate takes the
// database row lock inside the caller's transaction, and Save's WHERE
// version = ? clause makes the final UPDATE fail loudly if anything else
// slipped in between the lock and the write.
type InstanceStore struct{ s *Store }

func NewInstanceStore(s *Store) *InstanceStore { return &InstanceStore{s: s} }

const instanceQueryColumns = `
	SELECT instance_id, job_id, rnstance_id, pnstance_id, wnstance_id, run_type,
	       trigger_time, run_state, run_start_time, run_end_time, retried_count,
	       version, attach, created_at, updated_at
	FROM sched_instance`

func scanInstance(scan func(dest ...interface{}) error) (*types.Instance, error) {
	var inst types.Instance
	var start, end sql.NullInt64
	var attach sql.NullString
	if err := scan(
		&inst.InstanceID, &inst.JobID, &inst.RnstanceID, &inst.PnstanceID, &inst.WnstanceID, &inst.RunType,
		&inst.TriggerTime, &inst.RunState, &start, &end, &inst.RetriedCount,
		&inst.Version, &attach, &inst.CreatedAt, &inst.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if start.Valid {
		inst.RunStartTime = &start.Int64
	}
	if end.Valid {
		inst.RunEndTime = &end.Int64
	}
	if attach.Valid && attach.String != "" {
		_ = json.Unmarshal([]byte(attach.String), &inst.Attach)
	}
	return &inst, nil
}

func (is *InstanceStore) Create(ctx context.Context, tx *sql.Tx, inst *types.Instance) error {
	now := time.Now()
	inst.CreatedAt, inst.UpdatedAt = now, now
	attach, _ := json.Marshal(inst.Attach)
	_, err := is.s.Exec(ctx, tx, `
		INSERT INTO sched_instance (
			instance_id, job_id, rnstance_id, pnstance_id, wnstance_id, run_type,
			trigger_time, run_state, run_start_time, run_end_time, retried_count,
			version, attach, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.InstanceID, inst.JobID, inst.RnstanceID, inst.PnstanceID, inst.WnstanceID, inst.RunType,
		inst.TriggerTime, inst.RunState, inst.RunStartTime, inst.RunEndTime, inst.RetriedCount,
		inst.Version, string(attach), inst.CreatedAt, inst.UpdatedAt)
	return classify("InstanceStore.Create", err)
}

// Get reads an instance without locking it, for read-only callers (HTTP
// query handlers, tests).
func (is *InstanceStore) Get(ctx context.Context, instanceID int64) (*types.Instance, error) {
	row := is.s.QueryRow(ctx, nil, instanceQueryColumns+` WHERE instance_id = ?`, instanceID)
	inst, err := scanInstance(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound()
	}
	if err != nil {
		return nil, classify("InstanceStore.Get", err)
	}
	return inst, nil
}

// LockForUpdate reads an instance inside tx, taking the database row lock
// (SELECT ... FOR UPDATE on Postgres; the SQLite write lock is already
// held because tx was opened against a "_txlock=immediate" DSN). Every
// state-machine operation calls this before inspecting or mutating an
// instance, so the read and the eventual Save in the same transaction see
// a consistent row no concurrent scanner sweep or dispatch retry can
// change underneath them.
func (is *InstanceStore) LockForUpdate(ctx context.Context, tx *sql.Tx, instanceID int64) (*types.Instance, error) {
	row := is.s.QueryRow(ctx, tx, instanceQueryColumns+` WHERE instance_id = ? `+is.s.lockClause(), instanceID)
	inst, err := scanInstance(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound()
	}
	if err != nil {
		return nil, classify("InstanceStore.LockForUpdate", err)
	}
	return inst, nil
}

// Save writes back an instance previously obtained from LockForUpdate in
// the same transaction, bumping its version and requiring the database row
// to still carry the version it was read with. A zero RowsAffected is
// reported as a concurrency conflict the caller's retry loop should catch.
func (is *InstanceStore) Save(ctx context.Context, tx *sql.Tx, inst *types.Instance) error {
	attach, _ := json.Marshal(inst.Attach)
	inst.UpdatedAt = time.Now()
	res, err := is.s.Exec(ctx, tx, `
		UPDATE sched_instance SET
			run_state = ?, run_start_time = ?, run_end_time = ?, retried_count = ?,
			attach = ?, version = version + 1, updated_at = ?
		WHERE instance_id = ? AND version = ?`,
		inst.RunState, inst.RunStartTime, inst.RunEndTime, inst.RetriedCount,
		string(attach), inst.UpdatedAt, inst.InstanceID, inst.Version)
	if err != nil {
		return classify("InstanceStore.Save", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("InstanceStore.Save", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: instance %d version changed concurrently", errConcurrencyConflict, inst.InstanceID)
	}
	inst.Version++
	return nil
}

var errConcurrencyConflict = fmt.Errorf("concurrency conflict")

// ErrConcurrencyConflict is returned (wrapped) by Save when the CAS fails.
func ErrConcurrencyConflict() error { return errConcurrencyConflict }

// ListNonTerminalByJob returns a job's instances that have not yet reached
// a terminal RunState, used by the collision strategy check on TRIGGER.
func (is *InstanceStore) ListNonTerminalByJob(ctx context.Context, jobID int64) ([]*types.Instance, error) {
	rows, err := is.s.Query(ctx, nil, instanceQueryColumns+`
		WHERE job_id = ? AND run_state NOT IN (?, ?) ORDER BY trigger_time ASC`,
		jobID, types.RunStateFinished, types.RunStateCanceled)
	if err != nil {
		return nil, classify("InstanceStore.ListNonTerminalByJob", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

// notWorkflowLead excludes rows whose instance_id is itself a workflow
// lead (referenced as a wnstance_id in sched_workflow): a lead owns no
// tasks of its own, and the scanners must reconcile its node instances
// instead, which bubbles the lead's own run-state up through
// advanceWorkflow as each node finishes.
const notWorkflowLead = ` AND instance_id NOT IN (SELECT DISTINCT wnstance_id FROM sched_workflow)`

// ListWaiting returns WAITING instances due for dispatch, the query the
// WaitingInstanceScanner sweeps.
func (is *InstanceStore) ListWaiting(ctx context.Context, beforeMillis int64, limit int) ([]*types.Instance, error) {
	rows, err := is.s.Query(ctx, nil, instanceQueryColumns+`
		WHERE run_state = ? AND trigger_time <= ?`+notWorkflowLead+`
		ORDER BY trigger_time ASC LIMIT ?`,
		types.RunStateWaiting, beforeMillis, limit)
	if err != nil {
		return nil, classify("InstanceStore.ListWaiting", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

// ListRunning returns RUNNING instances, the query the RunningInstanceScanner
// sweeps for stale-state reconciliation and execute timeout detection.
func (is *InstanceStore) ListRunning(ctx context.Context, limit int) ([]*types.Instance, error) {
	rows, err := is.s.Query(ctx, nil, instanceQueryColumns+`
		WHERE run_state = ?`+notWorkflowLead+`
		ORDER BY run_start_time ASC LIMIT ?`,
		types.RunStateRunning, limit)
	if err != nil {
		return nil, classify("InstanceStore.ListRunning", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

func scanInstances(rows *sql.Rows) ([]*types.Instance, error) {
	var out []*types.Instance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, classify("InstanceStore.scan", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
