// Package timingwheel is the Worker-side bounded-delay FIFO that holds
// admitted tasks until their trigger time arrives: a ring of buckets
// indexed by (triggerTimeMillis / tickMs) % ringSize, advanced one bucket
// per tick. A task can be offered with a trigger time up to
// ringSize*tickMs ahead of now; a trigger time already past goes into the
// next bucket to come due. Offers further out, or duplicates of a taskId
// already in the wheel, are rejected rather than silently dropped.
package timingwheel

import (
	"sync"
	"time"

	"github.com/cuemby/chrono/pkg/metrics"
	"github.com/cuemby/chrono/pkg/types"
)

// Outcome classifies the result of an Offer, mirroring the
// chrono_timingwheel_offers_total metric's label values.
type Outcome string

const (
	Admitted              Outcome = "admitted"
	RejectedNotMine       Outcome = "rejected_not_mine"
	RejectedOverflow      Outcome = "rejected_overflow"
	RejectedDuplicate     Outcome = "rejected_duplicate"
)

// Wheel is a bounded-delay FIFO ring buffer of pending ExecuteTaskParams.
type Wheel struct {
	mu       sync.Mutex
	tickMs   int64
	ringSize int
	buckets  []map[int64]*types.ExecuteTaskParam // index -> taskId -> param
	seen     map[int64]bool                      // dedup across the whole wheel
	cursor   int64                                // last advanced bucket, in tick units since epoch
	fire     func(*types.ExecuteTaskParam)
	stopCh   chan struct{}
}

// Config tunes the ring's resolution and horizon.
type Config struct {
	TickMs   int64
	RingSize int
}

// DefaultConfig is a 1-second tick over a one-hour horizon.
func DefaultConfig() Config {
	return Config{TickMs: 1000, RingSize: 3600}
}

// New builds a Wheel that invokes fire for every task as its bucket comes
// due. fire is called from the wheel's own poller goroutine and must not
// block for long; callers typically hand off to the Executor pool.
func New(cfg Config, fire func(*types.ExecuteTaskParam)) *Wheel {
	buckets := make([]map[int64]*types.ExecuteTaskParam, cfg.RingSize)
	for i := range buckets {
		buckets[i] = make(map[int64]*types.ExecuteTaskParam)
	}
	return &Wheel{
		tickMs:   cfg.TickMs,
		ringSize: cfg.RingSize,
		buckets:  buckets,
		seen:     make(map[int64]bool),
		cursor:   time.Now().UnixMilli() / cfg.TickMs,
		fire:     fire,
		stopCh:   make(chan struct{}),
	}
}

// Offer admits param into its bucket if param.TriggerTime falls within the
// wheel's horizon and no task with the same TaskID is already pending.
func (w *Wheel) Offer(param *types.ExecuteTaskParam) Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.seen[param.TaskID] {
		metrics.TimingWheelOffers.WithLabelValues(string(RejectedDuplicate)).Inc()
		return RejectedDuplicate
	}

	tick := param.TriggerTime / w.tickMs
	if tick < w.cursor {
		tick = w.cursor // already due: the next bucket the poller drains
	}
	delta := tick - w.cursor
	if delta >= int64(w.ringSize) {
		metrics.TimingWheelOffers.WithLabelValues(string(RejectedOverflow)).Inc()
		return RejectedOverflow
	}

	idx := int(tick % int64(w.ringSize))
	w.buckets[idx][param.TaskID] = param
	w.seen[param.TaskID] = true
	metrics.TimingWheelOffers.WithLabelValues(string(Admitted)).Inc()
	return Admitted
}

// Cancel removes a pending task before it fires, used when the Supervisor
// sends a TERMINATE_TASK, PAUSE or CANCEL operation for a task that has not
// yet executed.
func (w *Wheel) Cancel(taskID int64, triggerTime int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.seen[taskID] {
		return false
	}
	tick := triggerTime / w.tickMs
	if tick < w.cursor {
		tick = w.cursor // matches where Offer placed a past-due task
	}
	idx := int(tick % int64(w.ringSize))
	if _, ok := w.buckets[idx][taskID]; !ok {
		return false
	}
	delete(w.buckets[idx], taskID)
	delete(w.seen, taskID)
	return true
}

// Start begins advancing the wheel one bucket per tick, firing every task
// in each bucket as its tick comes due.
func (w *Wheel) Start() {
	go w.run()
}

func (w *Wheel) Stop() {
	close(w.stopCh)
}

func (w *Wheel) run() {
	ticker := time.NewTicker(time.Duration(w.tickMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.advance()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Wheel) advance() {
	w.mu.Lock()
	now := time.Now().UnixMilli() / w.tickMs
	var due []*types.ExecuteTaskParam
	for w.cursor <= now {
		idx := int(w.cursor % int64(w.ringSize))
		for taskID, p := range w.buckets[idx] {
			due = append(due, p)
			delete(w.buckets[idx], taskID)
			delete(w.seen, taskID)
		}
		w.cursor++
	}
	w.mu.Unlock()

	for _, p := range due {
		w.fire(p)
	}
}

// Len reports the number of tasks currently pending in the wheel.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}
