package scanner

import (
	"context"
	"time"

	"github.com/cuemby/chrono/pkg/log"
	"github.com/cuemby/chrono/pkg/statemachine"
	"github.com/cuemby/chrono/pkg/store"
)

// WaitingInstanceScanner reconciles instances stuck in WAITING past an
// expiration threshold: either every task already reached a terminal
// state without the run-state having caught up, or some WAITING tasks
// were never claimed by a live worker and need re-dispatch.
type WaitingInstanceScanner struct {
	Instances  *store.InstanceStore
	Machine    *statemachine.Machine
	Period     time.Duration
	Threshold  time.Duration
	BatchSize  int
}

// NewWaitingInstanceScanner builds a scanner with the specification's
// defaults: a 15s period and an ~8x expiration threshold.
func NewWaitingInstanceScanner(instances *store.InstanceStore, m *statemachine.Machine) *WaitingInstanceScanner {
	period := 15 * time.Second
	return &WaitingInstanceScanner{
		Instances: instances, Machine: m,
		Period: period, Threshold: 8 * period, BatchSize: 100,
	}
}

func (s *WaitingInstanceScanner) Run(ctx context.Context, lock ClusterLock) {
	run(ctx, "waiting_instance", s.Period, lock, s.sweep)
}

func (s *WaitingInstanceScanner) sweep(ctx context.Context) (bool, error) {
	before := time.Now().Add(-s.Threshold).UnixMilli()
	insts, err := s.Instances.ListWaiting(ctx, before, s.BatchSize)
	if err != nil {
		return false, err
	}
	for _, inst := range insts {
		effect, err := s.Machine.ReconcileStale(ctx, inst.InstanceID, inst.WnstanceID)
		if err != nil {
			log.Logger.Warn().Err(err).Int64("instanceId", inst.InstanceID).Msg("waiting reconcile failed")
			continue
		}
		if effect != nil {
			effect(ctx)
		}
	}
	return len(insts) < s.BatchSize, nil
}
