// Package dispatch turns a (job, instance, tasks) triple into one RPC per
// task: it resolves a worker per RouteStrategy, sends
// receive(ExecuteTaskParam) via pkg/rpc, and on exhaustion marks the task
// DISPATCH_FAILED and drives the instance's run-state back through the
// state machine, exactly the way a worker's own terminateTask report
// would. It also issues the out-of-band pause/cancel control calls the
// state machine asks for on EXECUTING tasks.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/cuemby/chrono/pkg/chronoerr"
	"github.com/cuemby/chrono/pkg/log"
	"github.com/cuemby/chrono/pkg/metrics"
	"github.com/cuemby/chrono/pkg/registry"
	"github.com/cuemby/chrono/pkg/rpc"
	"github.com/cuemby/chrono/pkg/statemachine"
	"github.com/cuemby/chrono/pkg/store"
	"github.com/cuemby/chrono/pkg/types"
)

// maxDispatchFailures is the implementation-defined threshold from the
// specification's §4.4: once a task's dispatchFailedCount reaches this,
// it is retired as DISPATCH_FAILED instead of being retried again.
const maxDispatchFailures = 5

// Dispatcher implements statemachine.Dispatcher on top of a worker
// Discovery and the rpc.Destination transport.
type Dispatcher struct {
	discovery registry.Discovery
	dest      *rpc.Destination
	tasks     *store.TaskStore
	store     *store.Store
	machine   *statemachine.Machine // set post-construction: the machine owns the dispatcher and vice versa
	router    *router
}

// New builds a Dispatcher. localKey is this Supervisor's own endpoint
// key, used by RouteLocalPriority; it is empty for a Supervisor with no
// colocated Worker.
func New(disc registry.Discovery, dest *rpc.Destination, s *store.Store, localKey string) *Dispatcher {
	return &Dispatcher{
		discovery: disc,
		dest:      dest,
		tasks:     store.NewTaskStore(s),
		store:     s,
		router:    newRouter(localKey),
	}
}

// Bind wires the Dispatcher to the Machine whose tasks it dispatches;
// called once after both are constructed to break the otherwise circular
// dependency (Machine holds a Dispatcher, a dispatch failure needs the
// Machine to finalize the task).
func (d *Dispatcher) Bind(m *statemachine.Machine) { d.machine = m }

// Dispatch sends one receive RPC per task, resolving each task's worker
// by job.RouteStrategy (BROADCAST tasks already carry their pinned
// worker from instance creation).
func (d *Dispatcher) Dispatch(ctx context.Context, job *types.Job, inst *types.Instance, tasks []*types.Task) {
	for _, task := range tasks {
		d.dispatchOne(ctx, job, inst, task)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, job *types.Job, inst *types.Instance, task *types.Task) {
	worker, err := d.resolveWorker(ctx, job, task)
	if err != nil {
		logger := log.WithInstanceID(inst.InstanceID)
		logger.Warn().Err(err).Int64("taskId", task.TaskID).Msg("no worker available for dispatch")
		d.onDispatchFailure(ctx, task)
		return
	}

	param := types.ExecuteTaskParam{
		TaskID: task.TaskID, InstanceID: task.InstanceID, WnstanceID: inst.WnstanceID,
		JobID: job.JobID, TriggerTime: inst.TriggerTime, Operation: types.OpStartTask,
		RouteStrategy: job.RouteStrategy, Worker: worker, JobType: job.JobType,
		JobParam: task.TaskParam, ExecutorText: job.ExecutorText,
	}

	if err := d.dest.Invoke(ctx, worker, "/worker/rpc/receive", param, nil); err != nil {
		logger := log.WithInstanceID(inst.InstanceID)
		logger.Warn().Err(err).Int64("taskId", task.TaskID).Str("worker", worker.Key()).Msg("dispatch rpc failed")
		metrics.TasksDispatched.WithLabelValues("failed").Inc()
		d.onDispatchFailure(ctx, task)
		return
	}
	metrics.TasksDispatched.WithLabelValues("ok").Inc()
}

func (d *Dispatcher) resolveWorker(ctx context.Context, job *types.Job, task *types.Task) (types.ServerEndpoint, error) {
	if job.JobType == types.JobTypeBroadcast || job.RouteStrategy == types.RouteBroadcast {
		var ep types.ServerEndpoint
		if err := json.Unmarshal([]byte(task.Worker), &ep); err != nil {
			return ep, chronoerr.New(chronoerr.KindDataCorruption, "dispatch.resolveWorker", err)
		}
		return ep, nil
	}

	workers, err := d.discovery.Discover(ctx, job.Group)
	if err != nil {
		return types.ServerEndpoint{}, chronoerr.New(chronoerr.KindTransient, "dispatch.resolveWorker", err)
	}
	if len(workers) == 0 {
		return types.ServerEndpoint{}, chronoerr.New(chronoerr.KindTransient, "dispatch.resolveWorker", nil)
	}
	return d.router.choose(job.Group, job.RouteStrategy, workers), nil
}

// onDispatchFailure bumps the task's failure counter and, past the
// threshold, retires it as DISPATCH_FAILED by running it back through
// TerminateTask so the instance's run-state and any retry/dependency
// cascade stay consistent with a worker-reported failure.
func (d *Dispatcher) onDispatchFailure(ctx context.Context, task *types.Task) {
	tx, err := d.store.BeginTx(ctx)
	if err != nil {
		return
	}
	n, err := d.tasks.IncrDispatchFailed(ctx, tx, task.TaskID)
	if err != nil {
		_ = tx.Rollback()
		return
	}
	if err := tx.Commit(); err != nil {
		return
	}
	if n < maxDispatchFailures || d.machine == nil {
		return
	}

	effect, err := d.machine.TerminateTask(ctx, task.TaskID, 0, types.ExecuteDispatchFailed, "", "dispatch retries exhausted")
	if err != nil {
		log.Logger.Error().Err(err).Int64("taskId", task.TaskID).Msg("failed to finalize exhausted dispatch")
		return
	}
	if effect != nil {
		effect(ctx)
	}
}

// SendControl issues an out-of-band pause/cancel RPC to an EXECUTING
// task's worker through its receive endpoint. The worker drops the task
// from its timing wheel if it has not fired yet; a task already running is
// not interrupted and reports its own outcome through terminateTask.
// Failure here is logged and otherwise ignored, since the scanners will
// eventually reconcile a task whose worker never acknowledges.
func (d *Dispatcher) SendControl(ctx context.Context, task *types.Task, op types.Operation) {
	var worker types.ServerEndpoint
	if err := json.Unmarshal([]byte(task.Worker), &worker); err != nil {
		log.Logger.Warn().Err(err).Int64("taskId", task.TaskID).Msg("control rpc: task has no resolvable worker")
		return
	}
	param := types.ExecuteTaskParam{TaskID: task.TaskID, InstanceID: task.InstanceID, Operation: op, Worker: worker}
	if err := d.dest.Invoke(ctx, worker, "/worker/rpc/receive", param, nil); err != nil {
		log.Logger.Warn().Err(err).Int64("taskId", task.TaskID).Str("worker", worker.Key()).Msg("control rpc failed")
	}
}
