// Package executor is the Worker's task execution boundary: an Executor
// takes an ExecuteTaskParam and returns a result snapshot or an error,
// hiding whatever runtime actually does the work behind one interface so
// the timing wheel and its dispatch loop never depend on a concrete
// implementation. ShellExecutor runs ExecutorText as an os/exec command;
// other implementations (container runtimes, embedded scripting engines)
// plug in behind the same interface without the caller changing.
package executor

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/cuemby/chrono/pkg/log"
	"github.com/cuemby/chrono/pkg/metrics"
	"github.com/cuemby/chrono/pkg/types"
)

// Result is what a task run produced: a snapshot to persist back to the
// Supervisor's sched_task.execute_snapshot column, or an error.
type Result struct {
	Snapshot []byte
	Err      error
}

// Executor runs one task and returns its outcome.
type Executor interface {
	Run(ctx context.Context, param *types.ExecuteTaskParam) Result
}

// ShellExecutor runs a task's ExecutorText as a shell command, capturing
// combined stdout/stderr as the result snapshot.
type ShellExecutor struct {
	Shell string // defaults to "/bin/sh"
}

func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{Shell: "/bin/sh"}
}

func (e *ShellExecutor) Run(ctx context.Context, param *types.ExecuteTaskParam) Result {
	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", param.ExecutorText)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	logger := log.WithTaskID(param.TaskID)
	logger.Debug().Str("executorText", param.ExecutorText).Msg("running task")
	err := cmd.Run()
	return Result{Snapshot: buf.Bytes(), Err: err}
}

// Pool bounds the number of tasks a Worker executes concurrently, the same
// role titan's container runtime pool plays but sized by goroutines
// instead of container slots.
type Pool struct {
	executor Executor
	sem      chan struct{}
}

// NewPool builds a Pool that runs at most size tasks concurrently.
func NewPool(executor Executor, size int) *Pool {
	return &Pool{executor: executor, sem: make(chan struct{}, size)}
}

// Submit blocks until a pool slot is free, then runs param and invokes
// onDone with the result. Submit itself returns once the task has been
// admitted to a slot, not once it has finished; onDone runs on the
// goroutine actually executing the task.
func (p *Pool) Submit(ctx context.Context, param *types.ExecuteTaskParam, timeout time.Duration, onDone func(Result)) {
	p.sem <- struct{}{}
	metrics.ExecutorPoolActive.Inc()

	go func() {
		defer func() {
			<-p.sem
			metrics.ExecutorPoolActive.Dec()
		}()

		runCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		result := p.executor.Run(runCtx, param)
		onDone(result)
	}()
}
