// Package httpapi exposes the REST surface from the specification's
// external interfaces: the Worker's /worker/rpc/* endpoints that accept
// dispatch and control from a Supervisor, and the Supervisor's
// /supervisor/rpc/* endpoints that accept task reports from a Worker.
// Both servers are built on gorilla/mux, following the same
// Server{...}; Start(addr); Stop() shape the teacher's gRPC API server
// uses, just over JSON instead of protobuf.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cuemby/chrono/pkg/executor"
	"github.com/cuemby/chrono/pkg/log"
	"github.com/cuemby/chrono/pkg/metrics"
	"github.com/cuemby/chrono/pkg/rpc"
	"github.com/cuemby/chrono/pkg/timingwheel"
	"github.com/cuemby/chrono/pkg/types"
)

// WorkerServer serves the five /worker/rpc/* endpoints a Supervisor
// calls. It owns the timing wheel and executor pool: receive() admits a
// task into the wheel, the wheel's own poller hands due tasks to the
// pool, and the pool's onDone callback reports back to the Supervisor
// via a Destination.
type WorkerServer struct {
	self            types.ServerEndpoint
	supervisorAddr  types.ServerEndpoint
	wheel           *timingwheel.Wheel
	pool            *executor.Pool
	supervisor      *rpc.Destination
	http            *http.Server
}

// Config configures a WorkerServer's dependencies.
type Config struct {
	Self           types.ServerEndpoint
	SupervisorAddr types.ServerEndpoint // home Supervisor every task report is sent to
	Supervisor     *rpc.Destination     // signs requests with this worker's group key
	Exec           executor.Executor
	PoolSize       int
	Wheel          timingwheel.Config
}

// New builds a WorkerServer. Every task the wheel fires is handed to the
// executor pool, and its outcome is reported back to SupervisorAddr via
// startTask/terminateTask.
func New(cfg Config) *WorkerServer {
	ws := &WorkerServer{self: cfg.Self, supervisorAddr: cfg.SupervisorAddr, supervisor: cfg.Supervisor}
	ws.pool = executor.NewPool(cfg.Exec, cfg.PoolSize)
	ws.wheel = timingwheel.New(cfg.Wheel, ws.fire)
	return ws
}

// Router builds the mux.Router for this Worker's endpoints, mountable
// standalone or composed into a larger handler tree.
func (ws *WorkerServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/worker/rpc/receive", ws.handleReceive).Methods(http.MethodPost)
	r.HandleFunc("/worker/rpc/verify", ws.handleVerify).Methods(http.MethodPost)
	r.HandleFunc("/worker/rpc/split", ws.handleSplit).Methods(http.MethodPost)
	r.HandleFunc("/worker/rpc/configure", ws.handleConfigure).Methods(http.MethodPost)
	r.Handle("/worker/rpc/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

// Start serves Router() on addr until Stop is called.
func (ws *WorkerServer) Start(addr string) error {
	ws.wheel.Start()
	ws.http = &http.Server{Addr: addr, Handler: ws.Router()}
	log.Logger.Info().Str("addr", addr).Msg("worker http server listening")
	return ws.http.ListenAndServe()
}

func (ws *WorkerServer) Stop(ctx context.Context) error {
	ws.wheel.Stop()
	if ws.http == nil {
		return nil
	}
	return ws.http.Shutdown(ctx)
}

func (ws *WorkerServer) handleReceive(w http.ResponseWriter, r *http.Request) {
	var param types.ExecuteTaskParam
	if !decode(w, r, &param) {
		return
	}

	if param.Worker.Key() != "" && param.Worker.Key() != ws.self.Key() {
		writeJSON(w, http.StatusOK, false)
		return
	}

	switch param.Operation {
	case types.OpTerminateTask, types.OpPause, types.OpCancel:
		// out-of-band control for a task already admitted; the wheel
		// removes it if it has not fired yet. A task already handed to the
		// executor pool is not interrupted and reports its eventual
		// outcome as usual.
		ws.wheel.Cancel(param.TaskID, param.TriggerTime)
		writeJSON(w, http.StatusOK, true)
		return
	}

	outcome := ws.wheel.Offer(&param)
	writeJSON(w, http.StatusOK, outcome == timingwheel.Admitted)
}

// fire is the wheel's due-task callback: hand off to the executor pool
// and report the outcome back to the Supervisor once it finishes.
func (ws *WorkerServer) fire(param *types.ExecuteTaskParam) {
	startParam := struct {
		TaskID     int64                 `json:"taskId"`
		InstanceID int64                 `json:"instanceId"`
		Worker     types.ServerEndpoint `json:"worker"`
	}{TaskID: param.TaskID, InstanceID: param.InstanceID, Worker: ws.self}

	ctx := context.Background()
	var started bool
	if err := ws.supervisor.Invoke(ctx, ws.supervisorAddr, "/supervisor/rpc/startTask", startParam, &started); err != nil {
		logger := log.WithTaskID(param.TaskID)
		logger.Warn().Err(err).Msg("startTask report failed")
	}

	timeout := time.Duration(param.ExecuteTimeoutMs) * time.Millisecond
	ws.pool.Submit(ctx, param, timeout, func(result executor.Result) {
		ws.report(ctx, param, result)
	})
}

func (ws *WorkerServer) report(ctx context.Context, param *types.ExecuteTaskParam, result executor.Result) {
	toState := types.ExecuteCompleted
	errMsg := ""
	if result.Err != nil {
		toState = types.ExecuteFailed
		errMsg = result.Err.Error()
	}

	termParam := struct {
		TaskID     int64              `json:"taskId"`
		InstanceID int64              `json:"instanceId"`
		WnstanceID int64              `json:"wnstanceId,omitempty"`
		ToState    types.ExecuteState `json:"toState"`
		ErrorMsg   string             `json:"errorMsg"`
		Operation  types.Operation    `json:"operation"`
		Snapshot   string             `json:"snapshot"`
	}{
		TaskID: param.TaskID, InstanceID: param.InstanceID, WnstanceID: param.WnstanceID,
		ToState: toState, ErrorMsg: errMsg, Operation: types.OpTerminateTask, Snapshot: string(result.Snapshot),
	}

	var ok bool
	if err := ws.supervisor.Invoke(ctx, ws.supervisorAddr, "/supervisor/rpc/terminateTask", termParam, &ok); err != nil {
		logger := log.WithTaskID(param.TaskID)
		logger.Error().Err(err).Msg("terminateTask report failed")
	}
}

func (ws *WorkerServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	var param types.ExecuteTaskParam
	if !decode(w, r, &param) {
		return
	}
	// a job is valid for this worker if it carries executable text; an
	// empty ExecutorText is the "bad executor class" case from the error
	// handling design.
	writeJSON(w, http.StatusOK, param.ExecutorText != "")
}

func (ws *WorkerServer) handleSplit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobParam json.RawMessage `json:"jobParam"`
	}
	if !decode(w, r, &req) {
		return
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(req.JobParam, &arr); err != nil || len(arr) == 0 {
		arr = []json.RawMessage{req.JobParam}
	}
	writeJSON(w, http.StatusOK, arr)
}

func (ws *WorkerServer) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var cfg timingwheel.Config
	if !decode(w, r, &cfg) {
		return
	}
	if cfg.TickMs > 0 {
		log.Logger.Info().Int64("tickMs", cfg.TickMs).Msg("worker reconfigure requested (no-op: wheel is immutable post-start)")
	}
	writeJSON(w, http.StatusOK, true)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
