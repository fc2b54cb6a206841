// Package statemachine is the transactional core that drives a job
// instance and its tasks from creation to a terminal outcome: the eight
// operations from the specification's instance/task contract (TRIGGER,
// PAUSE, CANCEL, RESUME, DELETE, START_TASK, TERMINATE_TASK, PURGE), each
// serialized per instance by a two-level guard (an in-process intern lock
// plus a database row lock) and each returning a post-commit Effect the
// caller runs only after the transaction that produced it has committed.
package statemachine

import (
	"context"
	"database/sql"
	"time"

	"github.com/cuemby/chrono/pkg/chronoerr"
	"github.com/cuemby/chrono/pkg/idgen"
	"github.com/cuemby/chrono/pkg/log"
	"github.com/cuemby/chrono/pkg/registry"
	"github.com/cuemby/chrono/pkg/store"
	"github.com/cuemby/chrono/pkg/types"
)

// Effect is a post-commit side effect a caller must run only after the
// transaction that produced it has been committed — dispatching newly
// created tasks, for instance. No background queue is required: the
// closure itself carries everything it needs.
type Effect func(ctx context.Context)

// NoEffect is the empty effect, returned by operations with nothing to
// dispatch.
func NoEffect(ctx context.Context) {}

// Dispatcher is the subset of the dispatch package the state machine
// depends on, kept as a narrow interface so tests can substitute a fake.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *types.Job, inst *types.Instance, tasks []*types.Task)
	// SendControl issues an out-of-band pause/cancel RPC to an EXECUTING
	// task's worker; the worker acknowledges by eventually calling
	// terminateTask.
	SendControl(ctx context.Context, task *types.Task, op types.Operation)
}

// Machine is the transactional core. One Machine serves every instance a
// Supervisor process owns.
type Machine struct {
	Store         *store.Store
	Jobs          *store.JobStore
	Instances     *store.InstanceStore
	Tasks         *store.TaskStore
	Workflows     *store.WorkflowStore
	Depends       *store.DependStore
	Discovery     registry.Discovery
	Dispatch      Dispatcher
	IDs           *idgen.Generator
	intern        *internLock
}

// New builds a Machine over the given stores.
func New(s *store.Store, disc registry.Discovery, dispatch Dispatcher, ids *idgen.Generator) *Machine {
	return &Machine{
		Store:     s,
		Jobs:      store.NewJobStore(s),
		Instances: store.NewInstanceStore(s),
		Tasks:     store.NewTaskStore(s),
		Workflows: store.NewWorkflowStore(s),
		Depends:   store.NewDependStore(s),
		Discovery: disc,
		Dispatch:  dispatch,
		IDs:       ids,
		intern:    newInternLock(),
	}
}

// withInstanceLock runs fn with both halves of the per-instance guard
// held: the process-local intern lock first (so concurrent callers in
// this process queue here rather than inside the database), then a
// transaction that takes the row lock via Instances.LockForUpdate as its
// first read. fn returns the Effect to run after commit; if fn returns an
// error the transaction is rolled back and no effect runs.
func (m *Machine) withInstanceLock(ctx context.Context, instanceID, wnstanceID int64, fn func(tx *sql.Tx, inst *types.Instance) (Effect, error)) (Effect, error) {
	unlock := m.intern.Lock(lockKey(instanceID, wnstanceID))
	defer unlock()

	tx, err := m.Store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}

	// wnstanceId only ever selects the intern lock key above, serializing
	// every node of one workflow through a single process-local mutex; the
	// database row locked and mutated here is always the instance that was
	// actually asked for.
	inst, err := m.Instances.LockForUpdate(ctx, tx, instanceID)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	effect, err := fn(tx, inst)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, chronoerr.New(chronoerr.KindTransient, "statemachine.withInstanceLock", err)
	}
	if effect == nil {
		effect = NoEffect
	}
	return effect, nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// finalizeFromDerivation recomputes the instance's run-state from its
// current tasks and, if terminal, applies it (forcing a PAUSED derivation
// to CANCELED when forceCanceled is set, as CANCEL and PURGE require) and
// returns the retry/dependency/workflow cascade effect. It returns nil,
// nil when the instance should remain in its current state.
func (m *Machine) finalizeFromDerivation(ctx context.Context, tx *sql.Tx, job *types.Job, inst *types.Instance, tasks []*types.Task, forceCanceled bool) (Effect, error) {
	derived := deriveRunState(tasks, nowMillis())
	if derived == nil {
		return nil, nil
	}

	state := derived.RunState
	if forceCanceled && state == types.RunStatePaused {
		state = types.RunStateCanceled
	}
	if state == types.RunStatePaused {
		inst.RunState = types.RunStatePaused
		return nil, m.Instances.Save(ctx, tx, inst)
	}

	inst.RunState = state
	inst.RunEndTime = derived.EndTime
	if err := m.Instances.Save(ctx, tx, inst); err != nil {
		return nil, err
	}

	if inst.WnstanceID != 0 {
		return m.advanceWorkflow(ctx, tx, job, inst, state)
	}

	switch state {
	case types.RunStateCanceled:
		return m.retryCascade(ctx, tx, job, inst)
	case types.RunStateFinished:
		return m.dependencyCascade(ctx, tx, job, inst)
	}
	return nil, nil
}

func logInstance(inst *types.Instance) {
	logger := log.WithInstanceID(inst.InstanceID)
	logger.Info().
		Int("runState", int(inst.RunState)).Msg("instance transitioned")
}
