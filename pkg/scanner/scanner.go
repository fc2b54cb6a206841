// Package scanner runs the three heartbeat loops that drive the relational
// store forward without waiting on an external caller: TriggeringJobScanner
// fires due jobs, WaitingInstanceScanner re-dispatches instances whose
// tasks never got picked up, and RunningInstanceScanner reconciles
// instances whose worker died mid-execution. All three are gated by the
// cluster lock, so exactly one Supervisor in the fleet runs them at a time.
package scanner

import (
	"context"
	"time"

	"github.com/cuemby/chrono/pkg/log"
	"github.com/cuemby/chrono/pkg/metrics"
)

// ClusterLock is the subset of pkg/cluster's Lock a scanner needs: whether
// this process may run its sweep right now.
type ClusterLock interface {
	IsLeader() bool
}

// sweepFunc runs one bounded batch of work and reports whether the batch
// came back short of the limit (idle) or full (busy, sweep again
// immediately instead of waiting out the rest of the period).
type sweepFunc func(ctx context.Context) (idle bool, err error)

// run is the shared heartbeat loop every scanner is built from: on each
// tick, if this process holds the cluster lock, sweep repeatedly until a
// sweep reports idle, then wait out the remainder of the period.
func run(ctx context.Context, name string, period time.Duration, lock ClusterLock, sweep sweepFunc) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !lock.IsLeader() {
				continue
			}
			for {
				start := time.Now()
				idle, err := sweep(ctx)
				metrics.ScanSweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
				if err != nil {
					log.Logger.Error().Err(err).Str("scanner", name).Msg("sweep failed")
					break
				}
				if idle || ctx.Err() != nil {
					break
				}
			}
		}
	}
}
