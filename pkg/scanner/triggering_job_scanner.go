package scanner

import (
	"context"
	"time"

	"github.com/cuemby/chrono/pkg/log"
	"github.com/cuemby/chrono/pkg/statemachine"
	"github.com/cuemby/chrono/pkg/store"
)

// TriggeringJobScanner sweeps enabled jobs whose nextTriggerTime has come
// due and fires TRIGGER for each, running the Effect that dispatch
// produces immediately after its transaction commits.
type TriggeringJobScanner struct {
	Jobs      *store.JobStore
	Machine   *statemachine.Machine
	Period    time.Duration
	Lookahead time.Duration
	BatchSize int
}

// NewTriggeringJobScanner builds a scanner with the specification's
// defaults: a 3s period and no batch cap beyond a sane ceiling.
func NewTriggeringJobScanner(jobs *store.JobStore, m *statemachine.Machine) *TriggeringJobScanner {
	return &TriggeringJobScanner{
		Jobs: jobs, Machine: m,
		Period: 3 * time.Second, Lookahead: 3 * time.Second, BatchSize: 100,
	}
}

// Run blocks until ctx is canceled, sweeping on Period while lock reports
// this process as the cluster leader.
func (s *TriggeringJobScanner) Run(ctx context.Context, lock ClusterLock) {
	run(ctx, "triggering_job", s.Period, lock, s.sweep)
}

func (s *TriggeringJobScanner) sweep(ctx context.Context) (bool, error) {
	deadline := time.Now().Add(s.Lookahead).UnixMilli()
	jobs, err := s.Jobs.ListTriggerable(ctx, deadline, s.BatchSize)
	if err != nil {
		return false, err
	}
	for _, job := range jobs {
		effect, err := s.Machine.Trigger(ctx, job.JobID)
		if err != nil {
			log.Logger.Warn().Err(err).Int64("jobId", job.JobID).Msg("trigger failed")
			continue
		}
		if effect != nil {
			effect(ctx)
		}
	}
	return len(jobs) < s.BatchSize, nil
}
