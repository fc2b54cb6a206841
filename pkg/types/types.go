// Package types defines the entities shared by every Chrono component: jobs,
// instances, tasks, workflow edges, dependency edges and server endpoints.
package types

import (
	"encoding/json"
	"time"
)

// JobType classifies how a trigger fans out into instances.
type JobType int

const (
	JobTypeNormal    JobType = 1
	JobTypeWorkflow  JobType = 2
	JobTypeBroadcast JobType = 3
)

// JobState is the administrative enable/disable switch on a Job.
type JobState int

const (
	JobDisable JobState = 0
	JobEnable  JobState = 1
)

// TriggerType selects how Job.TriggerValue is interpreted to compute the
// next fire time.
type TriggerType int

const (
	TriggerTypeCron       TriggerType = 1
	TriggerTypeOnce       TriggerType = 2
	TriggerTypePeriod     TriggerType = 3
	TriggerTypeDepend     TriggerType = 4
	TriggerTypeFixedRate  TriggerType = 5
	TriggerTypeFixedDelay TriggerType = 6
)

// RouteStrategy selects how a Dispatcher chooses a worker for a task.
type RouteStrategy int

const (
	RouteBroadcast     RouteStrategy = 1
	RouteRoundRobin    RouteStrategy = 2
	RouteRandom        RouteStrategy = 3
	RouteLRU           RouteStrategy = 4
	RouteConsistentHash RouteStrategy = 5
	RouteLocalPriority RouteStrategy = 6
)

// RetryType selects which tasks a retry cascade re-submits.
type RetryType int

const (
	RetryTypeNone   RetryType = 0
	RetryTypeAll    RetryType = 1
	RetryTypeFailed RetryType = 2
)

// CollisionStrategy governs what happens when a job's TRIGGER fires while a
// previous instance of the same job is still non-terminal.
type CollisionStrategy int

const (
	CollisionConcurrent CollisionStrategy = 1
	CollisionSerial     CollisionStrategy = 2
	CollisionOverride   CollisionStrategy = 3
	CollisionDiscard    CollisionStrategy = 4
)

// Job is a scheduling definition: what to run, how often, and under what
// policy for routing, retry and collision handling.
type Job struct {
	JobID             int64
	Group             string
	JobType           JobType
	JobState          JobState
	TriggerType       TriggerType
	TriggerValue      string
	RouteStrategy     RouteStrategy
	RetryType         RetryType
	RetryCount        int
	RetryInterval     int // seconds
	CollisionStrategy CollisionStrategy
	ExecutorText      string
	JobParam          json.RawMessage
	NextTriggerTime   *int64 // unix millis, nil if not scheduled
	LastTriggerTime   *int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RunState is the lifecycle state of an Instance.
type RunState int

const (
	RunStateWaiting  RunState = 10
	RunStateRunning  RunState = 20
	RunStatePaused   RunState = 30
	RunStateFinished RunState = 40
	RunStateCanceled RunState = 50
)

// IsTerminal reports whether the run-state admits no further transitions.
func (s RunState) IsTerminal() bool {
	return s == RunStateFinished || s == RunStateCanceled
}

// RunType records why an Instance was created.
type RunType int

const (
	RunTypeSchedule RunType = 1
	RunTypeDepend   RunType = 2
	RunTypeRetry    RunType = 3
	RunTypeManual   RunType = 4
)

// Attach carries workflow-node bookkeeping and the DATA_INVALID sub-tag
// (§9(c) of the specification) on an Instance, serialized as JSON.
type Attach struct {
	CurNode      string `json:"curNode,omitempty"`
	DataInvalid  bool   `json:"dataInvalid,omitempty"`
}

// Instance is a single firing of a Job.
type Instance struct {
	InstanceID    int64
	JobID         int64
	RnstanceID    int64 // root instance of a RETRY/DEPEND chain
	PnstanceID    int64 // parent instance, 0 if none
	WnstanceID    int64 // workflow lead instance id, 0 if not a workflow node
	RunType       RunType
	TriggerTime   int64 // unix millis
	RunState      RunState
	RunStartTime  *int64
	RunEndTime    *int64
	RetriedCount  int
	Version       int64
	Attach        Attach
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ExecuteState is the lifecycle state of a Task.
type ExecuteState int

const (
	ExecuteWaiting          ExecuteState = 10
	ExecuteExecuting        ExecuteState = 20
	ExecutePaused           ExecuteState = 30
	ExecuteCompleted        ExecuteState = 40
	ExecuteDispatchFailed   ExecuteState = 50
	ExecuteInitException    ExecuteState = 51
	ExecuteFailed           ExecuteState = 52
	ExecuteException        ExecuteState = 53
	ExecuteTimeout          ExecuteState = 54
	ExecuteCollision        ExecuteState = 55
	ExecuteBroadcastAborted ExecuteState = 56
	ExecuteAborted          ExecuteState = 57
	ExecuteShutdownCanceled ExecuteState = 58
	ExecuteManualCanceled   ExecuteState = 59
)

// IsTerminal reports whether no further worker action is expected.
func (s ExecuteState) IsTerminal() bool {
	switch s {
	case ExecuteCompleted, ExecuteDispatchFailed, ExecuteInitException, ExecuteFailed,
		ExecuteException, ExecuteTimeout, ExecuteCollision, ExecuteBroadcastAborted,
		ExecuteAborted, ExecuteShutdownCanceled, ExecuteManualCanceled:
		return true
	}
	return false
}

// IsFailure reports whether the terminal state counts as a failure for the
// purpose of deriving an Instance's RunState and driving the retry cascade.
func (s ExecuteState) IsFailure() bool {
	if !s.IsTerminal() {
		return false
	}
	return s != ExecuteCompleted
}

// IsPauseLike reports whether the state is a non-terminal "parked" state,
// i.e. PAUSED.
func (s ExecuteState) IsPauseLike() bool {
	return s == ExecutePaused
}

// Task is one unit of work executed by a single worker.
type Task struct {
	TaskID             int64
	InstanceID         int64
	TaskNo             int
	TaskCount          int
	TaskParam          json.RawMessage
	ExecuteState       ExecuteState
	Worker             string // serialized ServerEndpoint, empty until started
	ExecuteStartTime   *int64
	ExecuteEndTime     *int64
	ExecuteSnapshot    json.RawMessage
	DispatchFailedCount int
	ErrorMsg           string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// WorkflowNodeState mirrors RunState for an edge in the DAG.
type WorkflowNodeState = RunState

const (
	WorkflowStart = "START"
	WorkflowEnd   = "END"
)

// WorkflowEdge models one arc sourceNode -> targetNode of a job's DAG, with
// the state of the instance currently occupying targetNode (the START node
// itself carries no instance and is always terminal/FINISHED).
type WorkflowEdge struct {
	WnstanceID int64
	SourceNode string
	TargetNode string
	Sequence   int
	RunState   WorkflowNodeState
	InstanceID int64 // 0 until the target node's instance is created
}

// DependEdge triggers a child job's instance when the parent job's instance
// reaches FINISHED.
type DependEdge struct {
	ParentJobID int64
	ChildJobID  int64
	Sequence    int
}

// ServerRole distinguishes the two kinds of Chrono node.
type ServerRole int

const (
	RoleSupervisor ServerRole = 1
	RoleWorker     ServerRole = 2
)

func (r ServerRole) String() string {
	if r == RoleSupervisor {
		return "supervisor"
	}
	return "worker"
}

// ServerEndpoint addresses one Chrono process for RPC and discovery.
type ServerEndpoint struct {
	Host        string     `json:"host"`
	Port        int        `json:"port"`
	Role        ServerRole `json:"role"`
	Group       string     `json:"group,omitempty"` // workers only
	ContextPath string     `json:"contextPath,omitempty"`
}

// Key is the canonical string form used as a registry/discovery identity
// and dedup key, "host:port".
func (e ServerEndpoint) Key() string {
	return e.Host + ":" + itoa(e.Port)
}

func (e ServerEndpoint) String() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// BaseURL is the HTTP origin used to build RPC request URLs.
func (e ServerEndpoint) BaseURL() string {
	path := e.ContextPath
	return "http://" + e.Key() + path
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// Operation enumerates the state-machine entry points described in the
// specification's instance/task contract.
type Operation int

const (
	OpTrigger       Operation = 1
	OpPause         Operation = 2
	OpCancel        Operation = 3
	OpResume        Operation = 4
	OpDelete        Operation = 5
	OpStartTask     Operation = 6
	OpTerminateTask Operation = 7
	OpPurge         Operation = 8
)

// ExecuteTaskParam is the body of POST /worker/rpc/receive: everything a
// worker needs to admit a task into its timing wheel.
type ExecuteTaskParam struct {
	TaskID            int64           `json:"taskId"`
	InstanceID        int64           `json:"instanceId"`
	WnstanceID        int64           `json:"wnstanceId,omitempty"`
	JobID             int64           `json:"jobId"`
	TriggerTime       int64           `json:"triggerTime"`
	ExecuteTimeoutMs  int64           `json:"executeTimeoutMs"`
	Operation         Operation       `json:"operation"`
	RouteStrategy     RouteStrategy   `json:"routeStrategy"`
	Worker            ServerEndpoint  `json:"worker"`
	JobType           JobType         `json:"jobType"`
	JobParam          json.RawMessage `json:"jobParam"`
	ExecutorText      string          `json:"executorText"`
}
