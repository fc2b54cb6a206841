package store

import (
	"context"
	"database/sql"

	"github.com/cuemby/chrono/pkg/types"
)

// WorkflowStore persists the DAG edges of workflow-type jobs.
type WorkflowStore struct{ s *Store }

func NewWorkflowStore(s *Store) *WorkflowStore { return &WorkflowStore{s: s} }

const workflowQueryColumns = `
	SELECT wnstance_id, source_node, target_node, sequence, run_state, instance_id
	FROM sched_workflow`

func scanWorkflowEdge(scan func(dest ...interface{}) error) (*types.WorkflowEdge, error) {
	var e types.WorkflowEdge
	if err := scan(&e.WnstanceID, &e.SourceNode, &e.TargetNode, &e.Sequence, &e.RunState, &e.InstanceID); err != nil {
		return nil, err
	}
	return &e, nil
}

func (ws *WorkflowStore) CreateEdges(ctx context.Context, tx *sql.Tx, edges []*types.WorkflowEdge) error {
	for _, e := range edges {
		_, err := ws.s.Exec(ctx, tx, `
			INSERT INTO sched_workflow (wnstance_id, source_node, target_node, sequence, run_state, instance_id)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.WnstanceID, e.SourceNode, e.TargetNode, e.Sequence, e.RunState, e.InstanceID)
		if err != nil {
			return classify("WorkflowStore.CreateEdges", err)
		}
	}
	return nil
}

// ListByWorkflowInstance returns every edge of the DAG identified by
// wnstanceID, used by the workflow driver to decide which downstream
// nodes have become runnable.
func (ws *WorkflowStore) ListByWorkflowInstance(ctx context.Context, tx *sql.Tx, wnstanceID int64) ([]*types.WorkflowEdge, error) {
	rows, err := ws.s.Query(ctx, tx, workflowQueryColumns+` WHERE wnstance_id = ? ORDER BY sequence ASC`, wnstanceID)
	if err != nil {
		return nil, classify("WorkflowStore.ListByWorkflowInstance", err)
	}
	defer rows.Close()

	var out []*types.WorkflowEdge
	for rows.Next() {
		e, err := scanWorkflowEdge(rows.Scan)
		if err != nil {
			return nil, classify("WorkflowStore.ListByWorkflowInstance", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetEdgeState updates one edge's run_state and the instance occupying its
// target node, called as each workflow node instance transitions.
func (ws *WorkflowStore) SetEdgeState(ctx context.Context, tx *sql.Tx, wnstanceID int64, targetNode string, state types.WorkflowNodeState, instanceID int64) error {
	_, err := ws.s.Exec(ctx, tx, `
		UPDATE sched_workflow SET run_state = ?, instance_id = ?
		WHERE wnstance_id = ? AND target_node = ?`,
		state, instanceID, wnstanceID, targetNode)
	return classify("WorkflowStore.SetEdgeState", err)
}
