package statemachine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cuemby/chrono/pkg/types"
)

// parseWorkflowGraph parses a job's triggerValue into DAG edges. The
// embedded DAG expression parser is an external collaborator; this
// default grammar is a comma-separated list of "source->target" arcs,
// e.g. "START->A,A->B,A->C,B->D,C->D,D->END".
func parseWorkflowGraph(triggerValue string) ([]*types.WorkflowEdge, error) {
	parts := strings.Split(triggerValue, ",")
	edges := make([]*types.WorkflowEdge, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		arc := strings.SplitN(p, "->", 2)
		if len(arc) != 2 {
			return nil, fmt.Errorf("malformed workflow arc %q", p)
		}
		edges = append(edges, &types.WorkflowEdge{
			SourceNode: strings.TrimSpace(arc[0]),
			TargetNode: strings.TrimSpace(arc[1]),
			Sequence:   i,
			RunState:   types.RunStateWaiting,
		})
	}
	if len(edges) == 0 {
		return nil, fmt.Errorf("workflow job has no edges")
	}
	return edges, nil
}

func successorsOf(edges []*types.WorkflowEdge, node string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range edges {
		if e.SourceNode == node && !seen[e.TargetNode] {
			seen[e.TargetNode] = true
			out = append(out, e.TargetNode)
		}
	}
	return out
}

func predecessorsOf(edges []*types.WorkflowEdge, node string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range edges {
		if e.TargetNode == node && !seen[e.SourceNode] {
			seen[e.SourceNode] = true
			out = append(out, e.SourceNode)
		}
	}
	return out
}

func edgeTo(edges []*types.WorkflowEdge, node string) *types.WorkflowEdge {
	for _, e := range edges {
		if e.TargetNode == node {
			return e
		}
	}
	return nil
}

// advanceWorkflow is the workflow driver (§4.2 of the design): it is
// called once a workflow node instance has reached a terminal run-state,
// updates that node's edge, short-circuits unreachable downstream edges on
// failure, and either finalizes the lead instance (every edge terminal)
// or creates the next runnable layer of nodes.
func (m *Machine) advanceWorkflow(ctx context.Context, tx *sql.Tx, job *types.Job, node *types.Instance, nodeState types.RunState) (Effect, error) {
	leadID := node.WnstanceID
	edges, err := m.Workflows.ListByWorkflowInstance(ctx, tx, leadID)
	if err != nil {
		return nil, err
	}

	if err := m.Workflows.SetEdgeState(ctx, tx, leadID, node.Attach.CurNode, nodeState, node.InstanceID); err != nil {
		return nil, err
	}
	for _, e := range edges {
		if e.TargetNode == node.Attach.CurNode {
			e.RunState = nodeState
		}
	}

	if nodeState == types.RunStateCanceled {
		if err := m.shortCircuitDownstream(ctx, tx, leadID, edges); err != nil {
			return nil, err
		}
	}

	endEdge := edgeTo(edges, types.WorkflowEnd)
	allTerminal, anyFailure := foldPredecessors(edges, endEdge)

	if allTerminal {
		return m.finalizeWorkflowLead(ctx, tx, job, leadID, anyFailure)
	}

	return m.createRunnableSuccessors(ctx, tx, job, leadID, node.TriggerTime, node.RnstanceID, edges)
}

// shortCircuitDownstream marks every edge that has not yet reached a
// terminal state as CANCELED, without creating or dispatching its node:
// once any predecessor has failed, nothing downstream of it can still
// finish successfully.
func (m *Machine) shortCircuitDownstream(ctx context.Context, tx *sql.Tx, leadID int64, edges []*types.WorkflowEdge) error {
	for _, e := range edges {
		if e.TargetNode == types.WorkflowEnd {
			continue
		}
		if e.RunState.IsTerminal() {
			continue
		}
		e.RunState = types.RunStateCanceled
		if err := m.Workflows.SetEdgeState(ctx, tx, leadID, e.TargetNode, types.RunStateCanceled, e.InstanceID); err != nil {
			return err
		}
	}
	return nil
}

// foldPredecessors computes whether endEdge's predecessors (the graph's
// sink nodes) are all terminal, and whether any of them failed.
func foldPredecessors(edges []*types.WorkflowEdge, endEdge *types.WorkflowEdge) (allTerminal, anyFailure bool) {
	if endEdge == nil {
		return true, false
	}
	preds := predecessorsOf(edges, types.WorkflowEnd)
	allTerminal = true
	for _, p := range preds {
		e := edgeTo(edges, p)
		if e == nil || !e.RunState.IsTerminal() {
			allTerminal = false
			continue
		}
		if e.RunState == types.RunStateCanceled {
			anyFailure = true
		}
	}
	return allTerminal, anyFailure
}

// isWorkflowLead reports whether instanceID is a workflow's lead instance
// (§4.1 transitions 4-6): a lead owns no tasks of its own, so the
// instance-level operations must recurse into its node instances instead
// of deriving a run-state from an empty task list.
func (m *Machine) isWorkflowLead(ctx context.Context, instanceID int64) (bool, error) {
	inst, err := m.Instances.Get(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if inst.WnstanceID != 0 {
		return false, nil
	}
	job, err := m.Jobs.Get(ctx, inst.JobID)
	if err != nil {
		return false, err
	}
	return job.JobType == types.JobTypeWorkflow, nil
}

// workflowLeadOp applies op to every created node instance of the
// workflow led by leadID, then recomputes the lead's own run-state from
// the result. Each recursive op call is its own independent, already-
// committed transaction by the time the next one starts, so this never
// nests a transaction inside another instance's lock.
func (m *Machine) workflowLeadOp(ctx context.Context, leadID int64, op func(ctx context.Context, instanceID int64) (Effect, error)) (Effect, error) {
	edges, err := m.Workflows.ListByWorkflowInstance(ctx, nil, leadID)
	if err != nil {
		return nil, err
	}

	var effects []Effect
	for _, e := range edges {
		if e.InstanceID == 0 || e.TargetNode == types.WorkflowEnd {
			continue
		}
		effect, err := op(ctx, e.InstanceID)
		if err != nil {
			return nil, err
		}
		if effect != nil {
			effects = append(effects, effect)
		}
	}

	leadEffect, err := m.recomputeWorkflowLead(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if leadEffect != nil {
		effects = append(effects, leadEffect)
	}

	return func(ctx context.Context) {
		for _, e := range effects {
			e(ctx)
		}
	}, nil
}

// recomputeWorkflowLead re-derives a lead's own run-state after its nodes
// changed without a terminal transition of their own (Pause and Resume
// never drive advanceWorkflow, since PAUSED and WAITING are not terminal).
// A lead already FINISHED or CANCELED here was already finalized by
// advanceWorkflow as its last node turned terminal, and this is a no-op.
func (m *Machine) recomputeWorkflowLead(ctx context.Context, leadID int64) (Effect, error) {
	return m.withInstanceLock(ctx, leadID, 0, func(tx *sql.Tx, lead *types.Instance) (Effect, error) {
		if lead.RunState.IsTerminal() {
			return nil, nil
		}
		edges, err := m.Workflows.ListByWorkflowInstance(ctx, tx, leadID)
		if err != nil {
			return nil, err
		}
		job, err := m.Jobs.Get(ctx, lead.JobID)
		if err != nil {
			return nil, err
		}

		allTerminal, anyFailure := foldPredecessors(edges, edgeTo(edges, types.WorkflowEnd))
		if allTerminal {
			return m.finalizeWorkflowLead(ctx, tx, job, leadID, anyFailure)
		}

		anyPaused, anyActive := false, false
		for _, e := range edges {
			if e.TargetNode == types.WorkflowEnd || e.InstanceID == 0 {
				continue
			}
			node, err := m.Instances.Get(ctx, e.InstanceID)
			if err != nil {
				return nil, err
			}
			switch node.RunState {
			case types.RunStatePaused:
				anyPaused = true
			case types.RunStateWaiting, types.RunStateRunning:
				anyActive = true
			}
		}

		switch {
		case anyPaused && !anyActive && lead.RunState != types.RunStatePaused:
			lead.RunState = types.RunStatePaused
			return nil, m.Instances.Save(ctx, tx, lead)
		case anyActive && lead.RunState == types.RunStatePaused:
			lead.RunState = types.RunStateRunning
			return nil, m.Instances.Save(ctx, tx, lead)
		}
		return nil, nil
	})
}

func (m *Machine) finalizeWorkflowLead(ctx context.Context, tx *sql.Tx, job *types.Job, leadID int64, anyFailure bool) (Effect, error) {
	lead, err := m.Instances.LockForUpdate(ctx, tx, leadID)
	if err != nil {
		return nil, err
	}
	lead.RunState = types.RunStateFinished
	if anyFailure {
		lead.RunState = types.RunStateCanceled
	}
	end := nowMillis()
	lead.RunEndTime = &end
	if err := m.Instances.Save(ctx, tx, lead); err != nil {
		return nil, err
	}

	if lead.RunState == types.RunStateCanceled {
		return m.retryCascade(ctx, tx, job, lead)
	}
	return m.dependencyCascade(ctx, tx, job, lead)
}

// createRunnableSuccessors creates (and schedules dispatch for) every
// successor node whose predecessors are all terminal and none failed.
// Nodes whose predecessors are all terminal but include a failure were
// already short-circuited to CANCELED by shortCircuitDownstream and are
// skipped here.
type dispatchGroup struct {
	Instance *types.Instance
	Tasks    []*types.Task
}

func (m *Machine) createRunnableSuccessors(ctx context.Context, tx *sql.Tx, job *types.Job, leadID, triggerTime, rnstanceID int64, edges []*types.WorkflowEdge) (Effect, error) {
	var groups []dispatchGroup

	candidates := map[string]bool{}
	for _, e := range edges {
		if e.TargetNode == types.WorkflowEnd {
			continue
		}
		if e.RunState.IsTerminal() {
			for _, succ := range successorsOf(edges, e.TargetNode) {
				candidates[succ] = true
			}
		}
	}
	for _, succ := range successorsOf(edges, types.WorkflowStart) {
		candidates[succ] = true
	}

	for node := range candidates {
		e := edgeTo(edges, node)
		if e == nil || e.InstanceID != 0 || e.RunState.IsTerminal() {
			continue // already created or already short-circuited
		}
		preds := predecessorsOf(edges, node)
		ready := true
		for _, p := range preds {
			pe := edgeTo(edges, p)
			if pe == nil || !pe.RunState.IsTerminal() || pe.RunState == types.RunStateCanceled {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}

		nc, err := m.createNormal(job, types.RunTypeSchedule, triggerTime, rnstanceID, leadID)
		if err != nil {
			return nil, err
		}
		nc.Instance.WnstanceID = leadID
		nc.Instance.Attach.CurNode = node
		if err := m.Instances.Create(ctx, tx, nc.Instance); err != nil {
			return nil, err
		}
		for _, t := range nc.Tasks {
			if err := m.Tasks.Create(ctx, tx, t); err != nil {
				return nil, err
			}
		}
		if err := m.Workflows.SetEdgeState(ctx, tx, leadID, node, types.RunStateWaiting, nc.Instance.InstanceID); err != nil {
			return nil, err
		}
		groups = append(groups, dispatchGroup{Instance: nc.Instance, Tasks: nc.Tasks})
	}

	if len(groups) == 0 {
		return nil, nil
	}
	return func(ctx context.Context) {
		for _, g := range groups {
			m.Dispatch.Dispatch(ctx, job, g.Instance, g.Tasks)
		}
	}, nil
}
