package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cuemby/chrono/pkg/events"
	"github.com/cuemby/chrono/pkg/log"
	"github.com/cuemby/chrono/pkg/metrics"
	"github.com/cuemby/chrono/pkg/security"
	"github.com/cuemby/chrono/pkg/statemachine"
	"github.com/cuemby/chrono/pkg/store"
	"github.com/cuemby/chrono/pkg/types"
)

// SupervisorServer serves the six /supervisor/rpc/* endpoints a Worker
// calls, every one of them requiring a valid HMAC signature per
// pkg/security. It is a thin REST facade over *statemachine.Machine: it
// decodes the wire shape, calls the matching operation, and runs the
// returned Effect once the operation's own transaction has committed.
type SupervisorServer struct {
	machine     *statemachine.Machine
	tasks       *store.TaskStore
	broker      *events.Broker
	groups      *store.GroupStore
	fallbackKey []byte
	http        *http.Server
}

// NewSupervisorServer builds a SupervisorServer. groups resolves each
// request's per-group worker token (sched_group.worker_token); a request
// for a group with no provisioned token falls back to fallbackKey, the
// cluster-wide key from security.DeriveKeyFromClusterID, so a fresh
// deployment with no groups created yet still authenticates.
func NewSupervisorServer(m *statemachine.Machine, tasks *store.TaskStore, broker *events.Broker, groups *store.GroupStore, fallbackKey []byte) *SupervisorServer {
	return &SupervisorServer{machine: m, tasks: tasks, broker: broker, groups: groups, fallbackKey: fallbackKey}
}

func (ss *SupervisorServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(ss.authMiddleware)
	r.HandleFunc("/supervisor/rpc/startTask", ss.handleStartTask).Methods(http.MethodPost)
	r.HandleFunc("/supervisor/rpc/terminateTask", ss.handleTerminateTask).Methods(http.MethodPost)
	r.HandleFunc("/supervisor/rpc/updateTaskWorker", ss.handleUpdateTaskWorker).Methods(http.MethodPost)
	r.HandleFunc("/supervisor/rpc/checkpoint", ss.handleCheckpoint).Methods(http.MethodPost)
	r.HandleFunc("/supervisor/rpc/pauseInstance", ss.handlePauseInstance).Methods(http.MethodPost)
	r.HandleFunc("/supervisor/rpc/cancelInstance", ss.handleCancelInstance).Methods(http.MethodPost)
	r.HandleFunc("/supervisor/rpc/subscribeEvent", ss.handleSubscribeEvent).Methods(http.MethodGet)
	return r
}

func (ss *SupervisorServer) Start(addr string) error {
	ss.http = &http.Server{Addr: addr, Handler: ss.Router()}
	log.Logger.Info().Str("addr", addr).Msg("supervisor http server listening")
	return ss.http.ListenAndServe()
}

func (ss *SupervisorServer) Stop(ctx context.Context) error {
	if ss.http == nil {
		return nil
	}
	return ss.http.Shutdown(ctx)
}

// authMiddleware rejects any Worker->Supervisor call without a valid
// signature; subscribeEvent is exempt since it is long-lived and
// operator-facing rather than a Worker task report.
func (ss *SupervisorServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/supervisor/rpc/subscribeEvent" {
			next.ServeHTTP(w, r)
			return
		}
		key := ss.resolveKey(r.Context(), r.Header.Get(security.HeaderGroup))
		if err := security.VerifyRequest(r, key); err != nil {
			metrics.AuthFailures.Inc()
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// resolveKey looks up group's provisioned worker token and derives this
// request's expected signing key from it, falling back to the
// cluster-wide key when the group has never been provisioned one.
func (ss *SupervisorServer) resolveKey(ctx context.Context, group string) []byte {
	if ss.groups == nil || group == "" {
		return ss.fallbackKey
	}
	g, err := ss.groups.Get(ctx, group)
	if err != nil {
		return ss.fallbackKey
	}
	return security.DeriveKeyFromClusterID(g.WorkerToken)
}

func (ss *SupervisorServer) handleStartTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID     int64                 `json:"taskId"`
		InstanceID int64                 `json:"instanceId"`
		WnstanceID int64                 `json:"wnstanceId,omitempty"`
		Worker     types.ServerEndpoint `json:"worker"`
	}
	if !decode(w, r, &req) {
		return
	}
	effect, err := ss.machine.StartTask(r.Context(), req.TaskID, req.WnstanceID, req.Worker)
	if ss.finish(w, r.Context(), effect, err) {
		if ss.broker != nil {
			ss.broker.Publish(&events.Event{Type: events.EventTaskDispatched, Message: "task started"})
		}
	}
}

func (ss *SupervisorServer) handleTerminateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID     int64              `json:"taskId"`
		InstanceID int64              `json:"instanceId"`
		WnstanceID int64              `json:"wnstanceId,omitempty"`
		ToState    types.ExecuteState `json:"toState"`
		ErrorMsg   string             `json:"errorMsg"`
		Snapshot   string             `json:"snapshot"`
	}
	if !decode(w, r, &req) {
		return
	}
	effect, err := ss.machine.TerminateTask(r.Context(), req.TaskID, req.WnstanceID, req.ToState, req.Snapshot, req.ErrorMsg)
	if ss.finish(w, r.Context(), effect, err) && ss.broker != nil {
		evt := events.EventTaskCompleted
		if req.ToState != types.ExecuteCompleted {
			evt = events.EventTaskFailed
		}
		ss.broker.Publish(&events.Event{Type: evt, Message: req.ErrorMsg})
	}
}

// handleUpdateTaskWorker lets a Worker correct the worker identity a task
// is recorded against, used when a task is handed off between two
// processes sharing the same registration (e.g. a rolling restart) without
// going through a full re-dispatch.
func (ss *SupervisorServer) handleUpdateTaskWorker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID int64                 `json:"taskId"`
		Worker types.ServerEndpoint `json:"worker"`
	}
	if !decode(w, r, &req) {
		return
	}
	tx, err := ss.machine.Store.BeginTx(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	task, err := ss.tasks.Get(r.Context(), tx, req.TaskID)
	if err != nil {
		_ = tx.Rollback()
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	task.Worker = req.Worker.String()
	if err := ss.tasks.Save(r.Context(), tx, task); err != nil {
		_ = tx.Rollback()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, true)
}

// handleCheckpoint records an executing task's progress snapshot without
// changing its execute state, used by long-running tasks to survive a
// Worker restart without losing partial output.
func (ss *SupervisorServer) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID   int64  `json:"taskId"`
		Snapshot string `json:"snapshot"`
	}
	if !decode(w, r, &req) {
		return
	}
	tx, err := ss.machine.Store.BeginTx(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	task, err := ss.tasks.Get(r.Context(), tx, req.TaskID)
	if err != nil {
		_ = tx.Rollback()
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	task.ExecuteSnapshot = []byte(req.Snapshot)
	if err := ss.tasks.Save(r.Context(), tx, task); err != nil {
		_ = tx.Rollback()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, true)
}

func (ss *SupervisorServer) handlePauseInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstanceID int64 `json:"instanceId"`
	}
	if !decode(w, r, &req) {
		return
	}
	effect, err := ss.machine.Pause(r.Context(), req.InstanceID)
	ss.finish(w, r.Context(), effect, err)
}

func (ss *SupervisorServer) handleCancelInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstanceID int64 `json:"instanceId"`
	}
	if !decode(w, r, &req) {
		return
	}
	effect, err := ss.machine.Cancel(r.Context(), req.InstanceID)
	ss.finish(w, r.Context(), effect, err)
}

// handleSubscribeEvent streams newline-delimited JSON events to a caller
// until it disconnects or the broker is stopped.
func (ss *SupervisorServer) handleSubscribeEvent(w http.ResponseWriter, r *http.Request) {
	if ss.broker == nil {
		http.Error(w, "event broker not configured", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := ss.broker.Subscribe()
	defer ss.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if err := enc.Encode(evt); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			flusher.Flush()
		}
	}
}

// finish runs effect (if the operation committed successfully) and writes
// the HTTP response; it returns whether the operation succeeded, so
// callers can gate a broker publish on it.
func (ss *SupervisorServer) finish(w http.ResponseWriter, ctx context.Context, effect statemachine.Effect, err error) bool {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return false
	}
	if effect != nil {
		effect(ctx)
	}
	writeJSON(w, http.StatusOK, true)
	return true
}
