package scanner

import (
	"context"
	"time"

	"github.com/cuemby/chrono/pkg/log"
	"github.com/cuemby/chrono/pkg/statemachine"
	"github.com/cuemby/chrono/pkg/store"
)

// RunningInstanceScanner reconciles RUNNING instances that have sat past
// an expiration threshold without a worker reporting progress: it
// re-dispatches WAITING tasks pinned to a dead worker, finalizes
// instances whose tasks already all reached a terminal state, and purges
// instances with no live EXECUTING task left to ever report back.
type RunningInstanceScanner struct {
	Instances *store.InstanceStore
	Machine   *statemachine.Machine
	Period    time.Duration
	Threshold time.Duration
	BatchSize int
}

// NewRunningInstanceScanner builds a scanner with the specification's
// defaults: a 30s period and an ~8x expiration threshold.
func NewRunningInstanceScanner(instances *store.InstanceStore, m *statemachine.Machine) *RunningInstanceScanner {
	period := 30 * time.Second
	return &RunningInstanceScanner{
		Instances: instances, Machine: m,
		Period: period, Threshold: 8 * period, BatchSize: 100,
	}
}

func (s *RunningInstanceScanner) Run(ctx context.Context, lock ClusterLock) {
	run(ctx, "running_instance", s.Period, lock, s.sweep)
}

func (s *RunningInstanceScanner) sweep(ctx context.Context) (bool, error) {
	insts, err := s.Instances.ListRunning(ctx, s.BatchSize)
	if err != nil {
		return false, err
	}
	cutoff := time.Now().Add(-s.Threshold)
	for _, inst := range insts {
		if inst.UpdatedAt.After(cutoff) {
			continue
		}
		effect, err := s.Machine.ReconcileRunning(ctx, inst.InstanceID, inst.WnstanceID)
		if err != nil {
			log.Logger.Warn().Err(err).Int64("instanceId", inst.InstanceID).Msg("running reconcile failed")
			continue
		}
		if effect != nil {
			effect(ctx)
		}
	}
	return len(insts) < s.BatchSize, nil
}
