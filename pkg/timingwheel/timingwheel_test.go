package timingwheel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/chrono/pkg/types"
)

func TestOfferAdmitsWithinHorizon(t *testing.T) {
	w := New(Config{TickMs: 100, RingSize: 10}, func(*types.ExecuteTaskParam) {})
	outcome := w.Offer(&types.ExecuteTaskParam{TaskID: 1, TriggerTime: time.Now().UnixMilli() + 200})
	assert.Equal(t, Admitted, outcome)
}

func TestOfferRejectsDuplicate(t *testing.T) {
	w := New(Config{TickMs: 100, RingSize: 10}, func(*types.ExecuteTaskParam) {})
	now := time.Now().UnixMilli()
	require.Equal(t, Admitted, w.Offer(&types.ExecuteTaskParam{TaskID: 1, TriggerTime: now + 200}))
	assert.Equal(t, RejectedDuplicate, w.Offer(&types.ExecuteTaskParam{TaskID: 1, TriggerTime: now + 300}))
}

func TestOfferRejectsOverflow(t *testing.T) {
	w := New(Config{TickMs: 100, RingSize: 10}, func(*types.ExecuteTaskParam) {})
	outcome := w.Offer(&types.ExecuteTaskParam{TaskID: 1, TriggerTime: time.Now().UnixMilli() + 100_000})
	assert.Equal(t, RejectedOverflow, outcome)
}

func TestWheelFiresDueTasks(t *testing.T) {
	var mu sync.Mutex
	var fired []int64
	w := New(Config{TickMs: 20, RingSize: 50}, func(p *types.ExecuteTaskParam) {
		mu.Lock()
		fired = append(fired, p.TaskID)
		mu.Unlock()
	})
	w.Start()
	defer w.Stop()

	require.Equal(t, Admitted, w.Offer(&types.ExecuteTaskParam{TaskID: 42, TriggerTime: time.Now().UnixMilli() + 40}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1 && fired[0] == 42
	}, time.Second, 10*time.Millisecond)
}

func TestCancelRemovesPendingTask(t *testing.T) {
	w := New(Config{TickMs: 100, RingSize: 10}, func(*types.ExecuteTaskParam) {})
	triggerTime := time.Now().UnixMilli() + 200
	require.Equal(t, Admitted, w.Offer(&types.ExecuteTaskParam{TaskID: 1, TriggerTime: triggerTime}))
	assert.True(t, w.Cancel(1, triggerTime))
	assert.Equal(t, 0, w.Len())
}
