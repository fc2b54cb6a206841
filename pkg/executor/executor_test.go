package executor

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/chrono/pkg/types"
)

func TestShellExecutorRunCapturesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell executor targets posix shells")
	}
	e := NewShellExecutor()
	result := e.Run(context.Background(), &types.ExecuteTaskParam{TaskID: 1, ExecutorText: "echo hello"})
	require.NoError(t, result.Err)
	assert.Contains(t, string(result.Snapshot), "hello")
}

func TestShellExecutorRunPropagatesFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell executor targets posix shells")
	}
	e := NewShellExecutor()
	result := e.Run(context.Background(), &types.ExecuteTaskParam{TaskID: 2, ExecutorText: "exit 1"})
	assert.Error(t, result.Err)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	pool := NewPool(fakeExecutorFunc(func() {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
	}), 2)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		pool.Submit(context.Background(), &types.ExecuteTaskParam{TaskID: int64(i)}, 0, func(Result) { wg.Done() })
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxInFlight, 2)
}

type fakeExecutorFunc func()

func (f fakeExecutorFunc) Run(ctx context.Context, param *types.ExecuteTaskParam) Result {
	f()
	return Result{}
}
