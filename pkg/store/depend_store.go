package store

import (
	"context"

	"github.com/cuemby/chrono/pkg/types"
)

// DependStore persists parent/child job dependency edges (TriggerType
// DEPEND jobs).
type DependStore struct{ s *Store }

func NewDependStore(s *Store) *DependStore { return &DependStore{s: s} }

// ListChildren returns the jobs dependent on parentJobID, ordered by the
// declared sequence, used to fan out a DEPEND trigger when the parent's
// instance reaches FINISHED.
func (ds *DependStore) ListChildren(ctx context.Context, parentJobID int64) ([]*types.DependEdge, error) {
	rows, err := ds.s.Query(ctx, nil, `
		SELECT parent_job_id, child_job_id, sequence FROM sched_depend
		WHERE parent_job_id = ? ORDER BY sequence ASC`, parentJobID)
	if err != nil {
		return nil, classify("DependStore.ListChildren", err)
	}
	defer rows.Close()

	var out []*types.DependEdge
	for rows.Next() {
		var e types.DependEdge
		if err := rows.Scan(&e.ParentJobID, &e.ChildJobID, &e.Sequence); err != nil {
			return nil, classify("DependStore.ListChildren", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (ds *DependStore) Create(ctx context.Context, e *types.DependEdge) error {
	_, err := ds.s.Exec(ctx, nil, `
		INSERT INTO sched_depend (parent_job_id, child_job_id, sequence) VALUES (?, ?, ?)`,
		e.ParentJobID, e.ChildJobID, e.Sequence)
	return classify("DependStore.Create", err)
}
