package statemachine

import (
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cuemby/chrono/pkg/chronoerr"
	"github.com/cuemby/chrono/pkg/types"
)

// computeNextTrigger returns the millisecond timestamp of job's next fire
// after afterMillis, or nil if the trigger type never fires again on its
// own (DEPEND jobs are triggered exclusively by the dependency cascade).
func computeNextTrigger(job *types.Job, afterMillis int64) (*int64, error) {
	switch job.TriggerType {
	case types.TriggerTypeCron:
		sched, err := cron.ParseStandard(job.TriggerValue)
		if err != nil {
			return nil, chronoerr.New(chronoerr.KindInvalidConfig, "statemachine.computeNextTrigger", err)
		}
		next := sched.Next(time.UnixMilli(afterMillis)).UnixMilli()
		return &next, nil

	case types.TriggerTypeOnce:
		if job.LastTriggerTime != nil {
			return nil, nil // already fired once
		}
		ms, err := strconv.ParseInt(job.TriggerValue, 10, 64)
		if err != nil {
			return nil, chronoerr.New(chronoerr.KindInvalidConfig, "statemachine.computeNextTrigger", err)
		}
		return &ms, nil

	case types.TriggerTypePeriod, types.TriggerTypeFixedRate:
		seconds, err := strconv.ParseInt(job.TriggerValue, 10, 64)
		if err != nil {
			return nil, chronoerr.New(chronoerr.KindInvalidConfig, "statemachine.computeNextTrigger", err)
		}
		next := afterMillis + seconds*1000
		return &next, nil

	case types.TriggerTypeFixedDelay:
		// interpreted relative to the previous instance's completion by the
		// caller passing lastTriggerTime as afterMillis; the arithmetic is
		// identical to PERIOD once that's done.
		seconds, err := strconv.ParseInt(job.TriggerValue, 10, 64)
		if err != nil {
			return nil, chronoerr.New(chronoerr.KindInvalidConfig, "statemachine.computeNextTrigger", err)
		}
		next := afterMillis + seconds*1000
		return &next, nil

	case types.TriggerTypeDepend:
		return nil, nil

	default:
		return nil, chronoerr.New(chronoerr.KindInvalidConfig, "statemachine.computeNextTrigger", nil)
	}
}
